package seqwire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqwire/seqwire/config"
)

func TestInstance(t *testing.T) {
	t.Parallel()

	c := config.MakeTestConfig(config.Store{
		Hub: config.Hub{
			Listen: []string{"tcp://127.0.0.1:0"},
		},
	})

	instance, err := New("test", c, nil)
	require.NoError(t, err, "instance must be created")
	assert.Equal(t, "test", instance.Version(), "version must be set")
	assert.Same(t, c, instance.Config(), "config must be set")

	require.NoError(t, instance.Start(), "instance must start")
	assert.NotEmpty(t, instance.Hub().ListenAddrs(), "hub must be listening")

	stopped := make(chan bool, 1)
	go func() {
		stopped <- instance.Stop()
	}()
	select {
	case ok := <-stopped:
		assert.True(t, ok, "instance must stop cleanly")
	case <-time.After(10 * time.Second):
		t.Fatal("instance did not stop")
	}
}
