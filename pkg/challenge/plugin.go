package challenge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// PluginID identifies the challenge plugin in a route's plugin list.
const PluginID = "cp:otoroshi.next.plugins.OtoroshiChallenge"

// PluginAlgo is one direction of the plugin's signing settings.
type PluginAlgo struct {
	Secret string `json:"secret"`
	Size   int    `json:"size"`
	Base64 bool   `json:"base64,omitempty"`
}

func (a PluginAlgo) algorithm() Algorithm {
	return ParseAlgorithm("HS" + strconv.Itoa(a.Size))
}

func (a PluginAlgo) secret() ([]byte, error) {
	if !a.Base64 {
		return []byte(a.Secret), nil
	}
	return base64.StdEncoding.DecodeString(a.Secret)
}

// PluginConfig is the challenge plugin configuration as stored on a route.
// AlgoToBackend covers tokens the gateway sends to us, AlgoFromBackend the
// tokens we return.
type PluginConfig struct {
	Version            string     `json:"version"`
	TTL                int64      `json:"ttl"`
	RequestHeaderName  string     `json:"request_header_name,omitempty"`
	ResponseHeaderName string     `json:"response_header_name,omitempty"`
	StateRespLeeway    int64      `json:"state_resp_leeway"`
	AlgoToBackend      PluginAlgo `json:"algo_to_backend"`
	AlgoFromBackend    PluginAlgo `json:"algo_from_backend"`
}

// ParsePluginConfig decodes the raw plugin config of a route.
func ParsePluginConfig(raw json.RawMessage) (*PluginConfig, error) {
	pc := &PluginConfig{}
	if err := json.Unmarshal(raw, pc); err != nil {
		return nil, fmt.Errorf("decoding challenge plugin config: %w", err)
	}
	return pc, nil
}

// Config derives the handshake configuration.
func (pc *PluginConfig) Config() (Config, error) {
	in, err := pc.AlgoToBackend.secret()
	if err != nil {
		return Config{}, fmt.Errorf("algo_to_backend secret: %w", err)
	}
	out, err := pc.AlgoFromBackend.secret()
	if err != nil {
		return Config{}, fmt.Errorf("algo_from_backend secret: %w", err)
	}
	return Config{
		Version:        ParseVersion(pc.Version),
		SecretIn:       in,
		AlgIn:          pc.AlgoToBackend.algorithm(),
		SecretOut:      out,
		AlgOut:         pc.AlgoFromBackend.algorithm(),
		RequestHeader:  pc.RequestHeaderName,
		ResponseHeader: pc.ResponseHeaderName,
		ResponseLeeway: time.Duration(pc.StateRespLeeway) * time.Second,
		TTL:            time.Duration(pc.TTL) * time.Second,
	}, nil
}
