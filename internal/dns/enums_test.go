package dns

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRCodeString(t *testing.T) {
	assert.Equal(t, "NOERROR", RCodeNoError.String())
	assert.Equal(t, "NXDOMAIN", RCodeNXDomain.String())
	assert.Equal(t, "SERVFAIL", RCodeServFail.String())
	assert.Equal(t, "RCODE9", RCode(9).String())
}

func TestRCodeIsError(t *testing.T) {
	assert.False(t, RCodeNoError.IsError())
	assert.True(t, RCodeServFail.IsError())
	assert.True(t, RCodeNXDomain.IsError())
}

func TestRecordTypeString(t *testing.T) {
	assert.Equal(t, "A", TypeA.String())
	assert.Equal(t, "AAAA", TypeAAAA.String())
	assert.Equal(t, "TYPE99", RecordType(99).String())
}
