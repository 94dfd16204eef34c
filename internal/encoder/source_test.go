package encoder

import (
	"context"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtdisplay/sessionstream/internal/nal"
)

// printfBuilder spawns /bin/bash -c "printf ..." so tests don't depend on a
// real encoder binary being present.
func printfBuilder(script string) CommandBuilder {
	return func() (string, []string) {
		return "/bin/bash", []string{"-c", script}
	}
}

func TestSource_StreamEmitsUnitsAndEnds(t *testing.T) {
	script := `printf '\x00\x00\x00\x01\x67\x01\x02\x03\x00\x00\x00\x01\x68\x04\x05'`
	s := New(printfBuilder(script), 32*1024, 1<<20, 1<<22, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stdout, err := s.Start(ctx)
	require.NoError(t, err)

	var got [][]byte
	for u := range s.Stream(stdout) {
		got = append(got, u)
	}

	require.Len(t, got, 2)
	assert.Equal(t, h264.NALUTypeSPS, nal.Type(got[0]))
	assert.Equal(t, h264.NALUTypePPS, nal.Type(got[1]))
	s.Stop(5 * time.Second)
}

func TestSource_StartTwiceFails(t *testing.T) {
	s := New(printfBuilder("sleep 1"), 1024, 1<<20, 1<<22, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := s.Start(ctx)
	require.NoError(t, err)
	defer s.Stop(time.Second)

	_, err = s.Start(ctx)
	assert.Error(t, err)
}

func TestSource_StopIsIdempotent(t *testing.T) {
	s := New(printfBuilder("sleep 5"), 1024, 1<<20, 1<<22, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.Start(ctx)
	require.NoError(t, err)

	s.Stop(time.Second)
	s.Stop(time.Second) // must not panic or block
}
