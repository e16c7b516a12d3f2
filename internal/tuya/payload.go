package tuya

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/technosupport/homeguard/internal/model"
)

// versionHeaderLen is the "3.x" marker plus twelve reserved bytes that
// precede some payloads.
const versionHeaderLen = 15

func versionHeader(version string) []byte {
	h := make([]byte, versionHeaderLen)
	copy(h, version)
	return h
}

// needsVersionHeader reports whether cmd payloads carry the version header.
func needsVersionHeader(cmd uint32) bool {
	switch cmd {
	case CmdDPQuery, CmdDPQueryNew, CmdUpdateDPS, CmdHeartBeat,
		CmdSessKeyNegStart, CmdSessKeyNegResp, CmdSessKeyNegFinish:
		return false
	}
	return true
}

func dpsObject(points []model.DataPoint) map[string]any {
	dps := make(map[string]any, len(points))
	for _, p := range points {
		dps[p.Index] = p.Value
	}
	return dps
}

func queryPayload(version, deviceID string, now time.Time) (uint32, []byte) {
	if version == Version34 {
		return CmdDPQueryNew, []byte("{}")
	}
	b, _ := json.Marshal(struct {
		GwID  string `json:"gwId"`
		DevID string `json:"devId"`
		UID   string `json:"uid"`
		T     string `json:"t"`
	}{deviceID, deviceID, deviceID, strconv.FormatInt(now.Unix(), 10)})
	return CmdDPQuery, b
}

func controlPayload(version, deviceID string, points []model.DataPoint, now time.Time) (uint32, []byte, error) {
	var (
		b   []byte
		err error
	)
	if version == Version34 {
		b, err = json.Marshal(struct {
			Protocol int   `json:"protocol"`
			T        int64 `json:"t"`
			Data     struct {
				DPS map[string]any `json:"dps"`
			} `json:"data"`
		}{Protocol: 5, T: now.Unix(), Data: struct {
			DPS map[string]any `json:"dps"`
		}{DPS: dpsObject(points)}})
		return CmdControlNew, b, err
	}
	b, err = json.Marshal(struct {
		DevID string         `json:"devId"`
		UID   string         `json:"uid"`
		T     string         `json:"t"`
		DPS   map[string]any `json:"dps"`
	}{deviceID, deviceID, strconv.FormatInt(now.Unix(), 10), dpsObject(points)})
	return CmdControl, b, err
}

// ParseDPS extracts data points from a reply body in the order the device
// sent them. Both {"dps":{...}} and {"data":{"dps":{...}}} are accepted.
// ok is false when the body carries no dps object.
func ParseDPS(body []byte) (points []model.DataPoint, ok bool, err error) {
	var env struct {
		DPS  json.RawMessage `json:"dps"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false, fmt.Errorf("%w: reply json: %v", model.ErrProtocolDecode, err)
	}
	raw := env.DPS
	if len(raw) == 0 && bytes.HasPrefix(env.Data, []byte("{")) {
		var inner struct {
			DPS json.RawMessage `json:"dps"`
		}
		if err := json.Unmarshal(env.Data, &inner); err != nil {
			return nil, false, fmt.Errorf("%w: reply data: %v", model.ErrProtocolDecode, err)
		}
		raw = inner.DPS
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return nil, false, fmt.Errorf("%w: dps is not an object", model.ErrProtocolDecode)
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, false, fmt.Errorf("%w: dps key: %v", model.ErrProtocolDecode, err)
		}
		key, _ := keyTok.(string)
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, false, fmt.Errorf("%w: dps %s value: %v", model.ErrProtocolDecode, key, err)
		}
		points = append(points, model.DataPoint{Index: key, Value: v})
	}
	return points, true, nil
}
