package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlags_Contains(t *testing.T) {
	t.Run("queue flags require every bit", func(t *testing.T) {
		f := QueueCompute | QueueTransfer
		assert.True(t, f.Contains(QueueTransfer))
		assert.True(t, f.Contains(QueueCompute|QueueTransfer))
		assert.False(t, f.Contains(QueueGraphics|QueueTransfer))
		assert.True(t, f.Contains(0))
	})

	t.Run("overlap is not containment", func(t *testing.T) {
		f := MemoryDeviceLocal
		required := MemoryDeviceLocal | MemoryHostVisible
		assert.NotZero(t, f&required)
		assert.False(t, f.Contains(required))
	})

	t.Run("buffer usage", func(t *testing.T) {
		u := UsageTransferSrc | UsageTransferDst
		assert.True(t, u.Contains(UsageTransferDst))
		assert.False(t, u.Contains(UsageStorage))
	})
}

func TestFlags_String(t *testing.T) {
	assert.Equal(t, "compute|transfer", (QueueCompute | QueueTransfer).String())
	assert.Equal(t, "device_local|host_coherent", (MemoryDeviceLocal | MemoryHostCoherent).String())
	assert.Equal(t, "transfer_src|transfer_dst", (UsageTransferSrc | UsageTransferDst).String())
	assert.Equal(t, "none", QueueFlags(0).String())
	assert.Equal(t, "transfer|0x100", (QueueTransfer | 0x100).String())
}

func TestParseFlags(t *testing.T) {
	t.Run("queue flags", func(t *testing.T) {
		f, err := ParseQueueFlags([]string{"Transfer", " compute "})
		require.NoError(t, err)
		assert.Equal(t, QueueTransfer|QueueCompute, f)
	})

	t.Run("memory flags", func(t *testing.T) {
		f, err := ParseMemoryPropertyFlags([]string{"device_local"})
		require.NoError(t, err)
		assert.Equal(t, MemoryDeviceLocal, f)
	})

	t.Run("empty list", func(t *testing.T) {
		f, err := ParseQueueFlags(nil)
		require.NoError(t, err)
		assert.Equal(t, QueueFlags(0), f)
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := ParseMemoryPropertyFlags([]string{"device_remote"})
		assert.Error(t, err)
	})
}

func TestFeatures_Missing(t *testing.T) {
	have := Features{RobustBufferAccess: true}
	assert.False(t, have.Missing(Features{}))
	assert.False(t, have.Missing(Features{RobustBufferAccess: true}))
	assert.True(t, have.Missing(Features{SparseBinding: true}))
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512 B", HumanSize(512))
	assert.Equal(t, "1 KiB", HumanSize(1024))
	assert.Equal(t, "512 MiB", HumanSize(512<<20))
	assert.Equal(t, "1.5 GiB", HumanSize(3<<29))
	assert.Equal(t, "1000 B", HumanSize(1000))
	assert.Equal(t, "2 TiB", HumanSize(2<<40))
}
