package hfp

import (
	"fmt"
	"strconv"
	"strings"

	"bluetooth-hfp/internal/hfp/atcmd"
)

const maxPhonebookField = 30

var (
	phonebookCharsets = []string{"UTF-8", "IRA", "GSM"}
	phonebookStorages = []string{"ME", "SM", "DC", "RC", "MC"}
)

// atPhonebook answers AT+CSCS, AT+CPBS and AT+CPBR for one device. It
// runs inside the machine's processing turn.
type atPhonebook struct {
	m       *Machine
	charset string
	storage string
}

func newATPhonebook(m *Machine) *atPhonebook {
	p := &atPhonebook{m: m}
	p.reset()
	return p
}

func (p *atPhonebook) reset() {
	p.charset = "UTF-8"
	p.storage = "ME"
}

func setValue(args string) string {
	return strings.ToUpper(atcmd.Unquote(strings.TrimPrefix(args, "=")))
}

func quotedList(items []string) string {
	q := make([]string, len(items))
	for i, s := range items {
		q[i] = `"` + s + `"`
	}
	return "(" + strings.Join(q, ",") + ")"
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func (p *atPhonebook) handleCscs(args string, typ atcmd.Type) {
	switch typ {
	case atcmd.TypeRead:
		p.m.respond(`+CSCS: "` + p.charset + `"`)
		p.m.ok()
	case atcmd.TypeTest:
		p.m.respond("+CSCS: " + quotedList(phonebookCharsets))
		p.m.ok()
	case atcmd.TypeSet:
		cs := setValue(args)
		if cs == "UTF8" {
			cs = "UTF-8"
		}
		if !contains(phonebookCharsets, cs) {
			p.m.atError(cmeOperationNotSupported)
			return
		}
		p.charset = cs
		p.m.ok()
	default:
		p.m.atError(cmeOperationNotSupported)
	}
}

func (p *atPhonebook) entries() int {
	e, _ := p.m.sys.Phonebook().Entries(p.storage)
	return len(e)
}

func (p *atPhonebook) handleCpbs(args string, typ atcmd.Type) {
	switch typ {
	case atcmd.TypeRead:
		n := p.entries()
		p.m.respond(fmt.Sprintf(`+CPBS: "%s",%d,%d`, p.storage, n, n))
		p.m.ok()
	case atcmd.TypeTest:
		p.m.respond("+CPBS: " + quotedList(phonebookStorages))
		p.m.ok()
	case atcmd.TypeSet:
		st := setValue(args)
		if !contains(phonebookStorages, st) {
			p.m.atError(cmeOperationNotAllowed)
			return
		}
		p.storage = st
		p.m.ok()
	default:
		p.m.atError(cmeOperationNotSupported)
	}
}

func (p *atPhonebook) handleCpbr(args string, typ atcmd.Type) {
	switch typ {
	case atcmd.TypeTest:
		n := p.entries()
		if n == 0 {
			n = 1
		}
		p.m.respond(fmt.Sprintf("+CPBR: (1-%d),%d,%d", n, maxPhonebookField, maxPhonebookField))
		p.m.ok()
	case atcmd.TypeSet:
		p.readEntries(strings.TrimPrefix(args, "="))
	default:
		p.m.atError(cmeOperationNotSupported)
	}
}

func (p *atPhonebook) readEntries(args string) {
	first, last, ok := parseIndexRange(args)
	if !ok {
		p.m.atError(cmeInvalidIndex)
		return
	}
	entries, _ := p.m.sys.Phonebook().Entries(p.storage)
	if first > len(entries) {
		p.m.atError(cmeInvalidIndex)
		return
	}
	if last > len(entries) {
		last = len(entries)
	}
	for i := first; i <= last; i++ {
		e := entries[i-1]
		typ := e.Type
		if typ == 0 {
			typ = numberType(e.Number)
		}
		p.m.respond(fmt.Sprintf(`+CPBR: %d,"%s",%d,"%s"`, i, e.Number, typ, truncate(e.Name, maxPhonebookField)))
	}
	p.m.ok()
}

// parseIndexRange parses "i" or "i,j" with 1 <= i <= j.
func parseIndexRange(s string) (int, int, bool) {
	a, b, found := strings.Cut(s, ",")
	first, err := strconv.Atoi(a)
	if err != nil || first < 1 {
		return 0, 0, false
	}
	last := first
	if found {
		if last, err = strconv.Atoi(b); err != nil || last < first {
			return 0, 0, false
		}
	}
	return first, last, true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
