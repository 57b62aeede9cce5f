package fsm

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type light string

const (
	red    light = "red"
	green  light = "green"
	yellow light = "yellow"
	broken light = "broken"
)

func lightTable() Table[light] {
	return Table[light]{
		red:    {green, broken},
		green:  {yellow, broken},
		yellow: {red, broken},
		broken: {},
	}
}

func TestMachine_Transition(t *testing.T) {
	m := New("light-1", red, lightTable())

	require.NoError(t, m.Transition(green))
	assert.Equal(t, green, m.Current())

	err := m.Transition(red)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	var ite *InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, "light-1", ite.Subject)
	assert.Equal(t, "green", ite.From)
	assert.Equal(t, "red", ite.To)
	assert.Equal(t, green, m.Current(), "state unchanged after rejected transition")
}

func TestMachine_TryTransition(t *testing.T) {
	m := New("light-1", red, lightTable())

	assert.False(t, m.TryTransition(yellow))
	assert.Equal(t, red, m.Current())
	assert.True(t, m.TryTransition(broken))
	assert.True(t, m.IsTerminal())
	assert.False(t, m.CanTransition(red))
	assert.Empty(t, m.Allowed())
}

func TestMachine_UnknownStateIsTerminal(t *testing.T) {
	m := New[light]("light-2", "off", lightTable())
	assert.True(t, m.IsTerminal())
	assert.False(t, m.CanTransition(green))
}

func TestMachine_AllowedIsCopy(t *testing.T) {
	table := lightTable()
	m := New("light-3", red, table)

	allowed := m.Allowed()
	allowed[0] = yellow
	assert.Equal(t, green, table[red][0])
}

func TestTable_Pairs(t *testing.T) {
	pairs := lightTable().Pairs()
	assert.Len(t, pairs, 6)
	for _, p := range pairs {
		assert.True(t, lightTable().Allows(p[0], p[1]))
	}
}

func TestMachine_ConcurrentTransitions(t *testing.T) {
	m := New("light-4", red, lightTable())

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TryTransition(green) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, green, m.Current())
}
