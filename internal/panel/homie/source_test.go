package homie

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	panel "panelbridge/internal/panel/domain"
)

func newTestSource(t *testing.T, onPush func()) *Source {
	source, err := NewSource(Options{
		Broker: "tcp://unused:1883",
		Serial: "panel1",
	}, onPush, nil)
	require.NoError(t, err)
	return source
}

func TestSource_AssemblesSnapshotFromTopics(t *testing.T) {
	source := newTestSource(t, nil)

	source.Handle("homie/panel1/c1/$name", []byte("Kitchen"))
	source.Handle("homie/panel1/c1/tabs", []byte("4"))
	source.Handle("homie/panel1/c2/$name", []byte("Solar"))
	source.Handle("homie/panel1/c2/tabs", []byte("29, 31"))
	source.Handle("homie/panel1/c2/type", []byte("pv"))

	snap, err := source.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, "panel1", snap.Serial)
	require.Len(t, snap.Circuits, 2)

	c1, ok := snap.Circuit("c1")
	require.True(t, ok)
	require.Equal(t, "Kitchen", c1.Name)
	require.Equal(t, []int{4}, c1.Tabs)
	require.Equal(t, panel.DeviceTypeCircuit, c1.DeviceType)

	c2, ok := snap.Circuit("c2")
	require.True(t, ok)
	require.Equal(t, []int{29, 31}, c2.Tabs)
	require.Equal(t, panel.DeviceTypePV, c2.DeviceType)
}

func TestSource_WithholdsIncompleteCircuits(t *testing.T) {
	source := newTestSource(t, nil)

	_, err := source.Fetch(context.Background())
	require.Error(t, err)

	// Name without tabs is not yet a usable circuit.
	source.Handle("homie/panel1/c1/$name", []byte("Kitchen"))
	_, err = source.Fetch(context.Background())
	require.Error(t, err)

	source.Handle("homie/panel1/c1/tabs", []byte("4"))
	snap, err := source.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Circuits, 1)
}

func TestSource_PushFiresWhenNodeCompletes(t *testing.T) {
	var pushes int
	source := newTestSource(t, func() { pushes++ })

	source.Handle("homie/panel1/c1/$name", []byte("Kitchen"))
	require.Equal(t, 0, pushes)
	source.Handle("homie/panel1/c1/tabs", []byte("4"))
	require.Equal(t, 1, pushes)

	// Device-level metadata and malformed topics are ignored.
	source.Handle("homie/panel1/$state", []byte("ready"))
	source.Handle("homie/panel1/$fw/name", []byte("spanfw"))
	require.Equal(t, 1, pushes)
}

func TestParseTabs(t *testing.T) {
	require.Equal(t, []int{4}, parseTabs("4"))
	require.Equal(t, []int{29, 31}, parseTabs("29,31"))
	require.Nil(t, parseTabs("garbage"))
	require.Nil(t, parseTabs(""))
}
