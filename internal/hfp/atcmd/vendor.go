package atcmd

import "strings"

// Company identifiers assigned by the Bluetooth SIG.
const (
	CompanyApple       = 76
	CompanyPlantronics = 85
	CompanyGoogle      = 224
)

// Vendor-specific command names.
const (
	VendorXEvent      = "+XEVENT"
	VendorAndroid     = "+ANDROID"
	VendorXapl        = "+XAPL"
	VendorIPhoneAccEv = "+IPHONEACCEV"
)

var vendorCompany = map[string]int{
	VendorXEvent:      CompanyPlantronics,
	VendorAndroid:     CompanyGoogle,
	VendorXapl:        CompanyApple,
	VendorIPhoneAccEv: CompanyApple,
}

// CompanyID returns the company that defines command.
func CompanyID(command string) (int, bool) {
	id, ok := vendorCompany[command]
	return id, ok
}

// Vendor is a parsed vendor-specific set command.
type Vendor struct {
	Command   string
	CompanyID int
	Args      []any
}

// ParseVendor parses "+CMD=args". Only set commands for known vendors are
// accepted.
func ParseVendor(at string) (Vendor, bool) {
	eq := strings.IndexByte(at, '=')
	if eq == -1 {
		return Vendor{}, false
	}
	cmd := at[:eq]
	id, ok := CompanyID(cmd)
	if !ok {
		return Vendor{}, false
	}
	arg := at[eq+1:]
	if strings.HasPrefix(arg, "?") {
		return Vendor{}, false
	}
	return Vendor{Command: cmd, CompanyID: id, Args: Args(arg)}, true
}

// XaplReply is the answer to a well-formed AT+XAPL=<vendor-product>,<features>.
// Feature bit 2 announces battery reporting only.
func XaplReply(args []any) (string, bool) {
	if len(args) != 2 {
		return "", false
	}
	if _, ok := args[0].(string); !ok {
		return "", false
	}
	if _, ok := args[1].(int); !ok {
		return "", false
	}
	return "+XAPL=iPhone,2", true
}
