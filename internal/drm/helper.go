package drm

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/hlsplayer/internal/playlist"
)

// Supported DRM system IDs.
var (
	// SystemWidevine is the Widevine CENC system ID.
	SystemWidevine = uuid.MustParse("edef8ba9-79d6-4ace-a3c8-27dcd51d21ed")
	// SystemPlayReady is the PlayReady system ID.
	SystemPlayReady = uuid.MustParse("9a04f079-9840-4286-ab92-e65be0885f95")
	// SystemClearKey is the W3C ClearKey system ID.
	SystemClearKey = uuid.MustParse("1077efec-c0b2-4d02-ace3-3c1e52e2fb4b")
	// SystemAES128 is a synthetic ID for plain HLS AES-128 key fetch.
	SystemAES128 = uuid.MustParse("3ea8778f-7742-4bf9-b18b-e834b2acbd47")
)

// Helper abstracts one DRM system. The set of systems is closed; helpers
// are selected by a factory keyed on system UUID.
type Helper interface {
	// SystemID returns the DRM system UUID.
	SystemID() uuid.UUID
	// Name returns a short system name for logs.
	Name() string
	// ParsePSSH ingests the system-specific init data.
	ParsePSSH(initData []byte) error
	// KeyID returns the content key identity extracted from init data.
	KeyID() ([]byte, error)
	// CreateInitData returns the init data handed to the CDM.
	CreateInitData() ([]byte, error)
	// GenerateLicenseRequest builds the outgoing license exchange.
	GenerateLicenseRequest(info ChallengeInfo, serverURL string) (LicenseRequest, error)
	// TransformLicenseResponse converts the server response to key bytes.
	TransformLicenseResponse(body []byte) ([]byte, error)
	// KeyProcessTimeout bounds waits on this system's key derivation.
	KeyProcessTimeout() time.Duration
	// IsExternalLicense reports whether the key URI itself is the license
	// endpoint (no configured server needed).
	IsExternalLicense() bool
}

// HelperForSystem returns the helper for a system UUID.
func HelperForSystem(systemID uuid.UUID, meta *playlist.KeyMetadata) (Helper, error) {
	switch systemID {
	case SystemAES128:
		return newAES128Helper(meta), nil
	case SystemClearKey:
		return newClearKeyHelper(meta), nil
	case SystemWidevine:
		return newCENCHelper(SystemWidevine, "widevine", meta), nil
	case SystemPlayReady:
		return newCENCHelper(SystemPlayReady, "playready", meta), nil
	default:
		return nil, newError(CodeCorruptMetadata, 0, fmt.Errorf("unsupported DRM system %s", systemID))
	}
}

// HelperForMetadata picks a helper from playlist key metadata. A KEYFORMAT
// naming a DRM system routes to that system's helper; identity (or absent)
// key formats map to the external-license AES helper.
func HelperForMetadata(meta *playlist.KeyMetadata) (Helper, error) {
	if systemID, ok := systemForKeyformat(meta.Keyformat); ok {
		return HelperForSystem(systemID, meta)
	}
	switch meta.Method {
	case "AES-128", "SAMPLE-AES":
		return newAES128Helper(meta), nil
	default:
		return nil, newError(CodeCorruptMetadata, 0, fmt.Errorf("unsupported key method %q", meta.Method))
	}
}

// systemForKeyformat maps an EXT-X-KEY KEYFORMAT attribute to a DRM system
// UUID. Identity key formats report false and fall back to plain key fetch.
func systemForKeyformat(keyformat string) (uuid.UUID, bool) {
	switch {
	case keyformat == "" || keyformat == "identity":
		return uuid.UUID{}, false
	case strings.HasPrefix(keyformat, "urn:uuid:"):
		id, err := uuid.Parse(strings.TrimPrefix(keyformat, "urn:uuid:"))
		if err != nil {
			return uuid.UUID{}, false
		}
		return id, true
	case strings.HasPrefix(keyformat, "com.widevine"):
		return SystemWidevine, true
	case keyformat == "com.microsoft.playready":
		return SystemPlayReady, true
	case keyformat == "org.w3.clearkey":
		return SystemClearKey, true
	default:
		return uuid.UUID{}, false
	}
}

// aes128Helper serves plain HLS AES-128: the key URI is fetched directly
// and the response bytes are the content key.
type aes128Helper struct {
	meta *playlist.KeyMetadata
}

func newAES128Helper(meta *playlist.KeyMetadata) *aes128Helper {
	return &aes128Helper{meta: meta}
}

func (h *aes128Helper) SystemID() uuid.UUID { return SystemAES128 }
func (h *aes128Helper) Name() string        { return "aes-128" }

func (h *aes128Helper) ParsePSSH(initData []byte) error {
	if len(initData) == 0 {
		return newError(CodeCorruptMetadata, 0, fmt.Errorf("empty key metadata"))
	}
	return nil
}

func (h *aes128Helper) KeyID() ([]byte, error) {
	sum := sha1.Sum(h.meta.Blob)
	return sum[:], nil
}

func (h *aes128Helper) CreateInitData() ([]byte, error) {
	return h.meta.Blob, nil
}

func (h *aes128Helper) GenerateLicenseRequest(info ChallengeInfo, _ string) (LicenseRequest, error) {
	if h.meta.URI == "" {
		return LicenseRequest{}, newError(CodeChallenge, 0, fmt.Errorf("key metadata has no URI"))
	}
	headers := map[string]string{}
	if info.AuthToken != "" {
		headers["Authorization"] = "Bearer " + info.AuthToken
	}
	return LicenseRequest{
		URL:     h.meta.URI,
		Method:  "GET",
		Headers: headers,
	}, nil
}

func (h *aes128Helper) TransformLicenseResponse(body []byte) ([]byte, error) {
	if len(body) != 16 {
		return nil, newError(CodeCorruptMetadata, 0, fmt.Errorf("AES-128 key must be 16 bytes, got %d", len(body)))
	}
	return body, nil
}

func (h *aes128Helper) KeyProcessTimeout() time.Duration { return 12 * time.Second }
func (h *aes128Helper) IsExternalLicense() bool          { return true }

// clearKeyHelper implements the W3C ClearKey JSON license exchange.
type clearKeyHelper struct {
	meta  *playlist.KeyMetadata
	keyID []byte
}

func newClearKeyHelper(meta *playlist.KeyMetadata) *clearKeyHelper {
	return &clearKeyHelper{meta: meta}
}

func (h *clearKeyHelper) SystemID() uuid.UUID { return SystemClearKey }
func (h *clearKeyHelper) Name() string        { return "clearkey" }

func (h *clearKeyHelper) ParsePSSH(initData []byte) error {
	kid, err := keyIDFromPSSH(initData)
	if err != nil {
		return newError(CodeCorruptMetadata, 0, err)
	}
	h.keyID = kid
	return nil
}

func (h *clearKeyHelper) KeyID() ([]byte, error) {
	if h.keyID == nil {
		return nil, newError(CodeCorruptMetadata, 0, fmt.Errorf("no key id parsed"))
	}
	return h.keyID, nil
}

func (h *clearKeyHelper) CreateInitData() ([]byte, error) {
	return h.meta.Blob, nil
}

func (h *clearKeyHelper) GenerateLicenseRequest(info ChallengeInfo, serverURL string) (LicenseRequest, error) {
	if serverURL == "" {
		return LicenseRequest{}, newError(CodeChallenge, 0, fmt.Errorf("no license server configured for clearkey"))
	}
	challenge, err := json.Marshal(map[string]any{
		"kids": []string{base64.RawURLEncoding.EncodeToString(info.KeyID)},
		"type": "temporary",
	})
	if err != nil {
		return LicenseRequest{}, newError(CodeChallenge, 0, err)
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if info.AuthToken != "" {
		headers["Authorization"] = "Bearer " + info.AuthToken
	}
	return LicenseRequest{
		URL:     serverURL,
		Method:  "POST",
		Body:    challenge,
		Headers: headers,
	}, nil
}

func (h *clearKeyHelper) TransformLicenseResponse(body []byte) ([]byte, error) {
	var resp struct {
		Keys []struct {
			K   string `json:"k"`
			Kid string `json:"kid"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newError(CodeCorruptMetadata, 0, fmt.Errorf("parsing clearkey response: %w", err))
	}
	if len(resp.Keys) == 0 {
		return nil, newError(CodeCorruptMetadata, 0, fmt.Errorf("clearkey response has no keys"))
	}
	key, err := base64.RawURLEncoding.DecodeString(resp.Keys[0].K)
	if err != nil {
		return nil, newError(CodeCorruptMetadata, 0, fmt.Errorf("decoding clearkey key: %w", err))
	}
	return key, nil
}

func (h *clearKeyHelper) KeyProcessTimeout() time.Duration { return 12 * time.Second }
func (h *clearKeyHelper) IsExternalLicense() bool          { return false }

// cencHelper covers the binary-challenge CENC systems (Widevine,
// PlayReady). The challenge payload is the raw PSSH; the response is the
// derived key handed back by the license server wrapper.
type cencHelper struct {
	systemID uuid.UUID
	name     string
	meta     *playlist.KeyMetadata
	keyID    []byte
}

func newCENCHelper(systemID uuid.UUID, name string, meta *playlist.KeyMetadata) *cencHelper {
	return &cencHelper{systemID: systemID, name: name, meta: meta}
}

func (h *cencHelper) SystemID() uuid.UUID { return h.systemID }
func (h *cencHelper) Name() string        { return h.name }

func (h *cencHelper) ParsePSSH(initData []byte) error {
	kid, err := keyIDFromPSSH(initData)
	if err != nil {
		return newError(CodeCorruptMetadata, 0, err)
	}
	h.keyID = kid
	return nil
}

func (h *cencHelper) KeyID() ([]byte, error) {
	if h.keyID == nil {
		return nil, newError(CodeCorruptMetadata, 0, fmt.Errorf("no key id parsed"))
	}
	return h.keyID, nil
}

func (h *cencHelper) CreateInitData() ([]byte, error) {
	return h.meta.Blob, nil
}

func (h *cencHelper) GenerateLicenseRequest(info ChallengeInfo, serverURL string) (LicenseRequest, error) {
	if serverURL == "" {
		return LicenseRequest{}, newError(CodeChallenge, 0, fmt.Errorf("no license server configured for %s", h.name))
	}
	headers := map[string]string{"Content-Type": "application/octet-stream"}
	if info.AuthToken != "" {
		headers["Authorization"] = "Bearer " + info.AuthToken
	}
	return LicenseRequest{
		URL:     serverURL,
		Method:  "POST",
		Body:    info.InitData,
		Headers: headers,
	}, nil
}

func (h *cencHelper) TransformLicenseResponse(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, newError(CodeCorruptMetadata, 0, fmt.Errorf("empty license response"))
	}
	return body, nil
}

func (h *cencHelper) KeyProcessTimeout() time.Duration { return 12 * time.Second }
func (h *cencHelper) IsExternalLicense() bool          { return false }

// psshMagic is the box type of a PSSH header.
var psshMagic = []byte("pssh")

// keyIDFromPSSH extracts the first key ID from a v1 PSSH box. Blobs that
// are not PSSH boxes fall back to their SHA1 as a synthetic key identity.
func keyIDFromPSSH(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty init data")
	}
	idx := bytes.Index(data, psshMagic)
	if idx < 0 || len(data) < idx+keyIDFixedOffset+16 {
		sum := sha1.Sum(data)
		return sum[:], nil
	}
	// box header: size(4) type(4) version(1) flags(3) systemID(16) kidCount(4)
	version := data[idx+4]
	if version == 0 {
		sum := sha1.Sum(data)
		return sum[:], nil
	}
	start := idx + keyIDFixedOffset
	return data[start : start+16], nil
}

// keyIDFixedOffset is the offset from "pssh" to the first key ID in a v1
// box: type(4) + version/flags(4) + systemID(16) + kidCount(4).
const keyIDFixedOffset = 4 + 4 + 16 + 4
