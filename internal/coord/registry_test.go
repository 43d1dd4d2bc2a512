package coord

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registriesUnderTest(t *testing.T) map[string]Registry {
	t.Helper()
	fsReg, err := NewFSRegistry(t.TempDir())
	require.NoError(t, err)
	return map[string]Registry{
		"fs":  fsReg,
		"mem": NewMemRegistry(),
	}
}

func TestRegistryGetSetDelete(t *testing.T) {
	for variant, r := range registriesUnderTest(t) {
		t.Run(variant, func(t *testing.T) {
			_, ok, err := r.Get("leader_app")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, r.Set("leader_app", "a:100:1"))
			v, ok, err := r.Get("leader_app")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "a:100:1", v)

			require.NoError(t, r.Delete("leader_app"))
			_, ok, err = r.Get("leader_app")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRegistryCompareAndSet(t *testing.T) {
	for variant, r := range registriesUnderTest(t) {
		t.Run(variant, func(t *testing.T) {
			// Empty old requires absence.
			ok, err := r.CompareAndSet("k", "", "v1")
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = r.CompareAndSet("k", "", "v2")
			require.NoError(t, err)
			assert.False(t, ok, "key exists, empty-old CAS must fail")

			ok, err = r.CompareAndSet("k", "wrong", "v2")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = r.CompareAndSet("k", "v1", "v2")
			require.NoError(t, err)
			assert.True(t, ok)
			v, _, err := r.Get("k")
			require.NoError(t, err)
			assert.Equal(t, "v2", v)
		})
	}
}

func TestRegistryCASSingleWinner(t *testing.T) {
	for variant, r := range registriesUnderTest(t) {
		t.Run(variant, func(t *testing.T) {
			const contenders = 16
			var wg sync.WaitGroup
			wins := make(chan int, contenders)
			for i := 0; i < contenders; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					ok, err := r.CompareAndSet("contested", "", fmt.Sprintf("instance-%d", n))
					if err == nil && ok {
						wins <- n
					}
				}(i)
			}
			wg.Wait()
			close(wins)
			count := 0
			for range wins {
				count++
			}
			assert.Equal(t, 1, count, "exactly one CAS winner")
		})
	}
}

func TestRegistryList(t *testing.T) {
	for variant, r := range registriesUnderTest(t) {
		t.Run(variant, func(t *testing.T) {
			require.NoError(t, r.Set("heartbeat_a_app", "1"))
			require.NoError(t, r.Set("heartbeat_b_app", "2"))
			require.NoError(t, r.Set("leader_app", "x"))

			keys, err := r.List("heartbeat_")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"heartbeat_a_app", "heartbeat_b_app"}, keys)
		})
	}
}

func TestLeaseEncodeParse(t *testing.T) {
	l := Lease{InstanceID: "abc-123", ExpiryMS: 1700000000000, Epoch: 7}
	encoded := l.Encode()
	assert.Equal(t, "abc-123:1700000000000:7", encoded)

	parsed, err := ParseLease(encoded)
	require.NoError(t, err)
	assert.Equal(t, l, parsed)

	_, err = ParseLease("garbage")
	require.Error(t, err)
	_, err = ParseLease("a:notanumber:1")
	require.Error(t, err)
}

func TestLeaseExpired(t *testing.T) {
	l := Lease{InstanceID: "a", ExpiryMS: 1000, Epoch: 1}
	assert.True(t, l.Expired(1000))
	assert.True(t, l.Expired(2000))
	assert.False(t, l.Expired(999))
}
