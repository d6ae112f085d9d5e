package atcmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"+cpbr = 1, 10", "+CPBR=1,10"},
		{`+cscs="utf-8"`, `+CSCS="utf-8"`},
		{`+xevent = "a b", 2`, `+XEVENT="a b",2`},
		{`+cpbs="me`, `+CPBS="me"`},
		{"+cpbr=\t1,\r\n5\r", "+CPBR=1,5"},
		{"+xevent=\"a\tb\",\v1", "+XEVENT=\"a\tb\",1"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), tt.in)
	}
}

func TestCommandType(t *testing.T) {
	assert.Equal(t, TypeRead, CommandType("+CPBS?"))
	assert.Equal(t, TypeTest, CommandType("+CPBR=?"))
	assert.Equal(t, TypeSet, CommandType("+CPBR=1,4"))
	assert.Equal(t, TypeUnknown, CommandType("+CPBR"))
	assert.Equal(t, TypeUnknown, CommandType("+CSQ"))
	assert.Equal(t, TypeUnknown, CommandType("+CPBRX"))
}

func TestArgs(t *testing.T) {
	assert.Equal(t, []any{"ABCD-1234-0100", 10}, Args("ABCD-1234-0100,10"))
	assert.Equal(t, []any{`"a,b"`, 3}, Args(`"a,b",3`))
	assert.Equal(t, []any{""}, Args(""))
	assert.Equal(t, []any{1, ""}, Args("1,"))
}

func TestIDs(t *testing.T) {
	ids, bad := IDs("1, 2,x")
	assert.Equal(t, []int{1, 2}, ids)
	assert.Equal(t, []string{"x"}, bad)
}

func TestParseVendor(t *testing.T) {
	v, ok := ParseVendor("+XAPL=ABCD-1234-0100,10")
	assert.True(t, ok)
	assert.Equal(t, CompanyApple, v.CompanyID)
	reply, ok := XaplReply(v.Args)
	assert.True(t, ok)
	assert.Equal(t, "+XAPL=iPhone,2", reply)

	v, ok = ParseVendor("+XEVENT=USER-AGENT,1")
	assert.True(t, ok)
	assert.Equal(t, CompanyPlantronics, v.CompanyID)

	_, ok = ParseVendor("+XEVENT")
	assert.False(t, ok)
	_, ok = ParseVendor("+XEVENT=?")
	assert.False(t, ok)
	_, ok = ParseVendor("+FOO=1")
	assert.False(t, ok)
}

func TestXaplReplyRejectsBadArgs(t *testing.T) {
	_, ok := XaplReply([]any{"x"})
	assert.False(t, ok)
	_, ok = XaplReply([]any{1, 2})
	assert.False(t, ok)
}

func TestUnquote(t *testing.T) {
	assert.Equal(t, "ME", Unquote(`"ME"`))
	assert.Equal(t, "ME", Unquote("ME"))
	assert.Equal(t, `"`, Unquote(`"`))
}
