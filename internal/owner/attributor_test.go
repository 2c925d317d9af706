package owner

import (
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	tables   map[Family][]byte
	err      error
	queries  int
	released int
}

func (s *fakeSource) Query(family Family) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.err != nil {
		return nil, s.err
	}
	buf, ok := s.tables[family]
	if !ok {
		return nil, errNotFound
	}
	return append([]byte(nil), buf...), nil
}

func (s *fakeSource) Release(buf []byte) {
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
}

var errNotFound = errors.New("no table")

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()
	b4, err := Encode(FamilyIPv4, rows4())
	require.NoError(t, err)
	b6, err := Encode(FamilyIPv6, rows6())
	require.NoError(t, err)
	return &fakeSource{tables: map[Family][]byte{FamilyIPv4: b4, FamilyIPv6: b6}}
}

func newTestAttributor(src Source) (*Attributor, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewAttributor(src, logrus.NewEntry(logger)), hook
}

func TestMapPortToProcessID(t *testing.T) {
	src := newFakeSource(t)
	a, _ := newTestAttributor(src)

	assert.Equal(t, uint32(200), a.MapPortToProcessID(8080, FamilyIPv4))
	assert.Equal(t, uint32(400), a.MapPortToProcessID(8080, FamilyIPv6))
	assert.Equal(t, uint32(100), a.MapPortToProcessID(49152, FamilyIPv4))
	assert.Zero(t, a.MapPortToProcessID(1234, FamilyIPv4))

	assert.Equal(t, src.queries, src.released)
}

func TestCountActiveConnections(t *testing.T) {
	src := newFakeSource(t)
	a, _ := newTestAttributor(src)

	assert.Equal(t, 2, a.CountActiveConnections(100, FamilyIPv4))
	assert.Equal(t, 1, a.CountActiveConnections(300, FamilyIPv6))
	assert.Zero(t, a.CountActiveConnections(100, FamilyIPv6))
	assert.Equal(t, src.queries, src.released)
}

func TestAttributorBestEffort(t *testing.T) {
	t.Run("query error", func(t *testing.T) {
		src := &fakeSource{err: errors.New("access denied")}
		a, hook := newTestAttributor(src)

		assert.Zero(t, a.MapPortToProcessID(8080, FamilyIPv4))
		assert.Zero(t, a.CountActiveConnections(1, FamilyIPv4))
		assert.Zero(t, src.released)
		require.NotEmpty(t, hook.Entries)
		assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)
	})

	t.Run("empty table", func(t *testing.T) {
		empty, err := Encode(FamilyIPv4, nil)
		require.NoError(t, err)
		src := &fakeSource{tables: map[Family][]byte{FamilyIPv4: empty}}
		a, _ := newTestAttributor(src)

		assert.Zero(t, a.MapPortToProcessID(0, FamilyIPv4))
		assert.Zero(t, a.CountActiveConnections(0, FamilyIPv4))
		assert.Equal(t, 2, src.released)
	})

	t.Run("truncated table", func(t *testing.T) {
		buf, err := Encode(FamilyIPv4, rows4())
		require.NoError(t, err)
		src := &fakeSource{tables: map[Family][]byte{FamilyIPv4: buf[:30]}}
		a, _ := newTestAttributor(src)

		assert.Zero(t, a.MapPortToProcessID(49152, FamilyIPv4))
		assert.Equal(t, 1, src.released)
	})

	t.Run("unknown family", func(t *testing.T) {
		src := newFakeSource(t)
		src.tables[Family(7)] = src.tables[FamilyIPv4]
		a, _ := newTestAttributor(src)

		assert.Zero(t, a.MapPortToProcessID(8080, Family(7)))
		assert.Equal(t, 1, src.released)
	})
}

type panicSource struct{ released int }

func (s *panicSource) Query(Family) ([]byte, error) { return []byte{0, 0, 0, 0}, nil }
func (s *panicSource) Release([]byte)               { s.released++; panic("release failed") }

func TestAttributorRecoversPanics(t *testing.T) {
	src := &panicSource{}
	a, hook := newTestAttributor(src)

	assert.NotPanics(t, func() {
		assert.Zero(t, a.MapPortToProcessID(80, FamilyIPv4))
	})
	assert.Equal(t, 1, src.released)
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Data, "panic")
}

func TestAttributorConcurrentUse(t *testing.T) {
	src := newFakeSource(t)
	a, _ := newTestAttributor(src)
	port := netip.MustParseAddrPort("10.0.0.5:8080").Port()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, uint32(200), a.MapPortToProcessID(port, FamilyIPv4))
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, src.released)
}
