package personality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	t.Run("should find every personality by key", func(t *testing.T) {
		for _, key := range []string{BestFriend, ProfessionalCoach, ToughLove} {
			p, err := Lookup(key)
			require.NoError(t, err)
			assert.Equal(t, key, p.Key)
			assert.NotEmpty(t, p.Instructions)
			assert.Greater(t, p.Temperature, 0.0)
		}
	})

	t.Run("should normalize case and whitespace", func(t *testing.T) {
		p, err := Lookup("  Tough-Love ")
		require.NoError(t, err)
		assert.Equal(t, "Tough Love", p.DisplayName)
	})

	t.Run("should reject unknown keys", func(t *testing.T) {
		_, err := Lookup("grumpy-cat")
		assert.ErrorIs(t, err, ErrUnknown)
		assert.False(t, Valid("grumpy-cat"))
	})
}

func TestAll(t *testing.T) {
	all := All()
	require.Len(t, all, 3)

	all[0].DisplayName = "mutated"
	p, _ := Lookup(BestFriend)
	assert.Equal(t, "Best Friend", p.DisplayName)
}

func TestProfile_Text(t *testing.T) {
	p, _ := Lookup(ToughLove)
	assert.Equal(t, "Coach personality changed to Tough Love.", p.SwitchNotice())
	assert.Equal(t, "platepal-tough-love", p.AgentName())
}
