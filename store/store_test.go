package store

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedis/adq/message"
	"github.com/dedis/adq/server"
)

type intRecord int32

func (r intRecord) Equal(o message.Record) bool {
	v, ok := o.(intRecord)
	return ok && v == r
}

func (r intRecord) Encode() []byte {
	return []byte{byte(r), byte(r >> 8), byte(r >> 16), byte(r >> 24)}
}

type intCodec struct{}

func (intCodec) DecodeRecord(b []byte) (message.Record, error) {
	v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
	return intRecord(v), nil
}

func openTempStore(t *testing.T) (*BoltStore, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "adq-store")
	require.NoError(t, err)
	s, err := Open(filepath.Join(dir, "results.db"), intCodec{})
	require.NoError(t, err)
	return s, func() {
		s.Close()
		os.RemoveAll(dir)
	}
}

func TestSaveAndLoadRoundTripsAValue(t *testing.T) {
	s, cleanup := openTempStore(t)
	defer cleanup()

	in := server.Result{QueryNumber: 3, Value: intRecord(42), NumContributors: 5}
	require.NoError(t, s.Save(in))

	got, found, err := s.Load(3)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int32(3), got.QueryNumber)
	assert.Equal(t, int32(5), got.NumContributors)
	assert.False(t, got.QuorumFailed)
	require.NotNil(t, got.Value)
	assert.True(t, got.Value.Equal(intRecord(42)))
}

func TestSaveAndLoadRoundTripsAQuorumFailure(t *testing.T) {
	s, cleanup := openTempStore(t)
	defer cleanup()

	in := server.Result{QueryNumber: 9, QuorumFailed: true}
	require.NoError(t, s.Save(in))

	got, found, err := s.Load(9)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.QuorumFailed)
	assert.Nil(t, got.Value)
}

func TestLoadMissingQueryReturnsNotFound(t *testing.T) {
	s, cleanup := openTempStore(t)
	defer cleanup()

	_, found, err := s.Load(123)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveOverwritesPreviousResultForSameQuery(t *testing.T) {
	s, cleanup := openTempStore(t)
	defer cleanup()

	require.NoError(t, s.Save(server.Result{QueryNumber: 1, Value: intRecord(1), NumContributors: 1}))
	require.NoError(t, s.Save(server.Result{QueryNumber: 1, Value: intRecord(2), NumContributors: 2}))

	got, found, err := s.Load(1)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Value.Equal(intRecord(2)))
	assert.Equal(t, int32(2), got.NumContributors)
}

func TestAllReturnsEveryStoredResult(t *testing.T) {
	s, cleanup := openTempStore(t)
	defer cleanup()

	require.NoError(t, s.Save(server.Result{QueryNumber: 1, Value: intRecord(10), NumContributors: 1}))
	require.NoError(t, s.Save(server.Result{QueryNumber: 2, Value: intRecord(20), NumContributors: 2}))
	require.NoError(t, s.Save(server.Result{QueryNumber: 3, QuorumFailed: true}))

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 3)

	assert.Equal(t, []int32{1, 2, 3}, []int32{all[0].QueryNumber, all[1].QueryNumber, all[2].QueryNumber})
	assert.True(t, all[0].Value.Equal(intRecord(10)))
	assert.True(t, all[1].Value.Equal(intRecord(20)))
	assert.True(t, all[2].QuorumFailed)
}

func TestOpenFailsOnUnwritableDirectory(t *testing.T) {
	_, err := Open(filepath.Join(string([]byte{0}), "results.db"), intCodec{})
	assert.Error(t, err)
}
