// Package scanning describes the payload published by the scanner fleet.
package scanning

const (
	Version = iota
	V1
	V2
)

// Scan is the envelope of every published scan. Data holds a V1Data or V2Data
// depending on DataVersion.
type Scan struct {
	Ip          string      `json:"ip"`
	Port        uint32      `json:"port"`
	Service     string      `json:"service"`
	Timestamp   int64       `json:"timestamp"`
	DataVersion int         `json:"data_version"`
	Data        interface{} `json:"data"`
}

// V1Data carries the raw service response. encoding/json base64-encodes it.
type V1Data struct {
	ResponseBytesUtf8 []byte `json:"response_bytes_utf8"`
}

// V2Data carries the service response as a plain string.
type V2Data struct {
	ResponseStr string `json:"response_str"`
}
