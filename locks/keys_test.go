package locks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostStorageLockKeysDeduplicates(t *testing.T) {
	keys := HostStorageLockKeys([]string{"10:00:00:00:C9:AA:BB:01", "10:00:00:00:c9:aa:bb:01", "", "iqn.host2"}, "APM0001")
	assert.Equal(t, []string{
		"10:00:00:00:c9:aa:bb:01::APM0001",
		"iqn.host2::APM0001",
	}, keys)
}

func TestHostStorageLockKeysSingleInitiator(t *testing.T) {
	assert.Equal(t, []string{"iqn.host1::array-1"}, HostStorageLockKeys([]string{"iqn.host1"}, "array-1"))
}

func TestOtherKeys(t *testing.T) {
	assert.Equal(t, "volume::vol-1", VolumeKey("vol-1"))
	assert.Equal(t, "cg::cg1::array-1", ConsistencyGroupKey("cg1", "array-1"))
	assert.Empty(t, Normalize([]string{"", ""}))
}
