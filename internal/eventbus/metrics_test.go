package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExporterIndependentRegistries(t *testing.T) {
	busA := NewMemoryBus(4)
	defer busA.Close()
	busB := NewMemoryBus(4)
	defer busB.Close()

	// Второй экспортер в том же процессе не должен паниковать
	// дублирующейся регистрацией коллекторов
	a := NewMetricsExporter(busA)
	b := NewMetricsExporter(busB)
	a.Start("")
	b.Start("")
	defer a.Stop()
	defer b.Stop()

	families, err := a.Registry().Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "eventbus_messages_published_total")
	assert.Contains(t, names, "eventbus_messages_in_flight")
}
