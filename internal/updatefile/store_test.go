package updatefile

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreatePersistOpenRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	h, err := s.Create()
	require.NoError(t, err)
	_, err = h.Write([]byte(`[{"id":1}]`))
	require.NoError(t, err)
	require.NoError(t, s.Persist(h))

	r, err := s.Open(h.UUID)
	require.NoError(t, err)
	defer r.Close()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, `[{"id":1}]`, string(body))
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Delete("does-not-exist"))

	h, err := s.Create()
	require.NoError(t, err)
	require.NoError(t, s.Persist(h))
	require.NoError(t, s.Delete(h.UUID))
	require.NoError(t, s.Delete(h.UUID))

	_, err = s.Open(h.UUID)
	require.True(t, os.IsNotExist(errUnwrap(err)))
}

func TestAllUUIDsSkipsTempFiles(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	h, err := s.Create()
	require.NoError(t, err)

	before, err := s.AllUUIDs()
	require.NoError(t, err)
	require.Empty(t, before)

	require.NoError(t, s.Persist(h))
	after, err := s.AllUUIDs()
	require.NoError(t, err)
	require.Equal(t, []string{h.UUID}, after)
}

func errUnwrap(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
}
