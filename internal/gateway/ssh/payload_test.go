package ssh

import (
	"testing"

	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
)

func TestParsePTYReq(t *testing.T) {
	payload := gossh.Marshal(struct {
		Term          string
		Cols, Rows    uint32
		Width, Height uint32
		Modes         string
	}{"xterm-256color", 120, 40, 960, 640, ""})

	req := parsePTYReq(payload)
	require.Equal(t, "xterm-256color", req.Term)
	require.Equal(t, uint32(120), req.Cols)
	require.Equal(t, uint32(40), req.Rows)
	require.Equal(t, uint32(960), req.Width)
	require.Equal(t, uint32(640), req.Height)
}

func TestParseEnv(t *testing.T) {
	payload := gossh.Marshal(struct{ Name, Value string }{"LANG", "C.UTF-8"})
	name, value, ok := parseEnv(payload)
	require.True(t, ok)
	require.Equal(t, "LANG", name)
	require.Equal(t, "C.UTF-8", value)
}

func TestParseExecCommand(t *testing.T) {
	payload := gossh.Marshal(struct{ Command string }{"ls -la /workspace"})
	require.Equal(t, "ls -la /workspace", parseString(payload))
}

func TestParseDirectTCPIP(t *testing.T) {
	payload := gossh.Marshal(struct {
		DestHost string
		DestPort uint32
		OrigHost string
		OrigPort uint32
	}{"localhost", 3000, "127.0.0.1", 52000})

	d := parseDirectTCPIP(payload)
	require.Equal(t, "localhost", d.DestHost)
	require.Equal(t, uint32(3000), d.DestPort)
	require.Equal(t, "127.0.0.1", d.OrigHost)
	require.Equal(t, uint32(52000), d.OrigPort)
}

func TestParseWindowChange(t *testing.T) {
	payload := gossh.Marshal(struct {
		Cols, Rows, Width, Height uint32
	}{100, 30, 800, 480})

	wc := parseWindowChange(payload)
	require.Equal(t, uint32(100), wc.Cols)
	require.Equal(t, uint32(30), wc.Rows)
}

// Malformed payloads must come back as zero values, never a panic.
func TestParsersTolerateMalformedPayloads(t *testing.T) {
	garbage := [][]byte{
		nil,
		{},
		{0x00},
		{0xff, 0xff, 0xff, 0xff},
		{0x00, 0x00, 0x00, 0x10, 'x'},
	}
	for _, payload := range garbage {
		require.NotPanics(t, func() {
			require.Equal(t, ptyRequest{}, parsePTYReq(payload))
			_, _, ok := parseEnv(payload)
			require.False(t, ok)
			require.Equal(t, "", parseString(payload))
			require.Equal(t, directTCPIP{}, parseDirectTCPIP(payload))
			parseWindowChange(payload)
		})
	}
}

func TestHostKeyGenerateAndReload(t *testing.T) {
	path := t.TempDir() + "/keys/host_key"

	first, err := loadOrGenerateHostKey(path)
	require.NoError(t, err)

	second, err := loadOrGenerateHostKey(path)
	require.NoError(t, err)
	require.Equal(t,
		first.PublicKey().Marshal(),
		second.PublicKey().Marshal(),
		"reload must return the persisted key")
}
