package ssh

import "encoding/binary"

// Request payload parsers for the SSH connection protocol's
// length-prefixed encoding. Malformed payloads yield zero values, never
// panics; a garbled request then fails at the reply stage instead of
// taking the connection down.

// readString consumes one uint32-length-prefixed string.
func readString(b []byte) (string, []byte, bool) {
	if len(b) < 4 {
		return "", nil, false
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) < n {
		return "", nil, false
	}
	return string(b[:n]), b[n:], true
}

func readUint32(b []byte) (uint32, []byte, bool) {
	if len(b) < 4 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(b), b[4:], true
}

type ptyRequest struct {
	Term          string
	Cols, Rows    uint32
	Width, Height uint32
}

func parsePTYReq(payload []byte) ptyRequest {
	var req ptyRequest
	var ok bool
	if req.Term, payload, ok = readString(payload); !ok {
		return ptyRequest{}
	}
	if req.Cols, payload, ok = readUint32(payload); !ok {
		return ptyRequest{}
	}
	if req.Rows, payload, ok = readUint32(payload); !ok {
		return ptyRequest{}
	}
	if req.Width, payload, ok = readUint32(payload); !ok {
		return ptyRequest{}
	}
	req.Height, _, _ = readUint32(payload)
	return req
}

func parseEnv(payload []byte) (name, value string, ok bool) {
	name, payload, ok = readString(payload)
	if !ok {
		return "", "", false
	}
	value, _, ok = readString(payload)
	if !ok {
		return "", "", false
	}
	return name, value, true
}

func parseString(payload []byte) string {
	s, _, _ := readString(payload)
	return s
}

type windowChange struct {
	Cols, Rows uint32
}

func parseWindowChange(payload []byte) windowChange {
	var wc windowChange
	var ok bool
	if wc.Cols, payload, ok = readUint32(payload); !ok {
		return windowChange{}
	}
	wc.Rows, _, _ = readUint32(payload)
	return wc
}

type directTCPIP struct {
	DestHost string
	DestPort uint32
	OrigHost string
	OrigPort uint32
}

func parseDirectTCPIP(payload []byte) directTCPIP {
	var d directTCPIP
	var ok bool
	if d.DestHost, payload, ok = readString(payload); !ok {
		return directTCPIP{}
	}
	if d.DestPort, payload, ok = readUint32(payload); !ok {
		return directTCPIP{}
	}
	if d.OrigHost, payload, ok = readString(payload); !ok {
		return directTCPIP{}
	}
	d.OrigPort, _, _ = readUint32(payload)
	return d
}
