// Package ipfs talks to the content store: a Web3.Storage style pinning
// service for uploads and CID computation, with public IPFS gateways as a
// read-only fallback. Payload bytes always come from package canonical, so a
// CID returned here is reproducible from the database copy of the metadata.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fusevault/fusevault/canonical"
	"github.com/fusevault/fusevault/params"
)

var (
	// ErrUnavailable means the content store could not be reached or answered
	// with a non-success status.
	ErrUnavailable = errors.New("ipfs: content store unavailable")

	// ErrMalformed means the content store answered success but the response
	// body did not have the expected shape.
	ErrMalformed = errors.New("ipfs: malformed content store response")

	// ErrContentUnavailable means neither the content store nor any public
	// gateway could serve the requested CID.
	ErrContentUnavailable = errors.New("ipfs: content unavailable on all gateways")
)

// recoveredSnippetLen bounds how much of a non-JSON body is preserved on the
// sentinel payload.
const recoveredSnippetLen = 500

// Config configures the content store client.
type Config struct {
	// APIURL is the base URL of the pinning service.
	APIURL string `toml:",omitempty"`

	// APIToken is sent as a bearer token when non-empty.
	APIToken string `toml:",omitempty"`

	// Gateways are public gateway URL templates tried in order after the
	// service itself; %s is replaced with the CID.
	Gateways []string `toml:",omitempty"`

	// RequestTimeout bounds every outbound request.
	RequestTimeout time.Duration `toml:",omitempty"`

	// GatewayInterval is the minimum spacing between public gateway hits,
	// shared across all in-flight retrievals.
	GatewayInterval time.Duration `toml:",omitempty"`
}

// DefaultConfig is the default content store configuration.
var DefaultConfig = Config{
	APIURL:          "http://127.0.0.1:8080",
	Gateways:        []string{"https://%s.ipfs.w3s.link", "https://%s.ipfs.dweb.link"},
	RequestTimeout:  params.ContentStoreTimeout,
	GatewayInterval: 500 * time.Millisecond,
}

// Payload is the outcome of retrieving a CID. When the stored bytes were not
// a JSON object the payload carries a recovered-content sentinel instead of a
// decode failure, so verification can proceed and report the mismatch.
type Payload struct {
	// Raw is the exact byte stream served for the CID.
	Raw []byte

	// Object is the decoded JSON object, numbers preserved as json.Number.
	// Nil when RetrievalError is set.
	Object map[string]interface{}

	// RetrievalError is non-empty when the bytes were not a JSON object; the
	// Object then holds {"recovered_content": <first 500 bytes>}.
	RetrievalError string

	// Source names where the bytes came from (service or gateway host).
	Source string
}

// Valid reports whether the payload decoded as a JSON object.
func (p *Payload) Valid() bool { return p.RetrievalError == "" }

// Triple unpacks the canonical anchoring triple from the payload object.
func (p *Payload) Triple() (assetID, owner string, critical map[string]interface{}, ok bool) {
	if !p.Valid() {
		return "", "", nil, false
	}
	assetID, _ = p.Object["asset_id"].(string)
	owner, _ = p.Object["owner_address"].(string)
	critical, _ = p.Object["critical_metadata"].(map[string]interface{})
	return assetID, owner, critical, assetID != "" && owner != ""
}

// Client is a content store client. It is safe for concurrent use.
type Client struct {
	cfg     Config
	httpc   *http.Client
	gateway *rate.Limiter
	log     *zap.Logger
}

// New builds a client from cfg, filling zero values from DefaultConfig.
func New(cfg Config, log *zap.Logger) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultConfig.APIURL
	}
	if len(cfg.Gateways) == 0 {
		cfg.Gateways = DefaultConfig.Gateways
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig.RequestTimeout
	}
	if cfg.GatewayInterval <= 0 {
		cfg.GatewayInterval = DefaultConfig.GatewayInterval
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.RequestTimeout},
		gateway: rate.NewLimiter(rate.Every(cfg.GatewayInterval), 1),
		log:     log,
	}
}

// Store canonicalizes the asset triple, uploads it for pinning and returns
// the CID assigned by the content store.
func (c *Client) Store(ctx context.Context, assetID, owner string, critical map[string]interface{}) (string, error) {
	payload, err := canonical.MarshalPayload(assetID, owner, critical)
	if err != nil {
		return "", err
	}
	body, contentType, err := jsonMultipart("files", assetID+".json", payload)
	if err != nil {
		return "", err
	}
	var resp struct {
		Result struct {
			CIDs []json.RawMessage `json:"cids"`
		} `json:"result"`
	}
	if err := c.post(ctx, c.cfg.APIURL+"/upload", contentType, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Result.CIDs) != 1 {
		return "", fmt.Errorf("%w: expected 1 cid, got %d", ErrMalformed, len(resp.Result.CIDs))
	}
	cid, err := decodeCID(resp.Result.CIDs[0])
	if err != nil {
		return "", err
	}
	c.log.Debug("stored payload", zap.String("asset", assetID), zap.String("cid", cid))
	return cid, nil
}

// ComputeCID asks the content store for the CID the triple would receive,
// without pinning anything. Used to recompute expected CIDs during
// verification.
func (c *Client) ComputeCID(ctx context.Context, assetID, owner string, critical map[string]interface{}) (string, error) {
	payload, err := canonical.MarshalPayload(assetID, owner, critical)
	if err != nil {
		return "", err
	}
	body, contentType, err := jsonMultipart("file", assetID+".json", payload)
	if err != nil {
		return "", err
	}
	var resp struct {
		ComputedCID string `json:"computed_cid"`
	}
	if err := c.post(ctx, c.cfg.APIURL+"/calculate-cid", contentType, body, &resp); err != nil {
		return "", err
	}
	if resp.ComputedCID == "" {
		return "", fmt.Errorf("%w: missing computed_cid", ErrMalformed)
	}
	return resp.ComputedCID, nil
}

// Retrieve fetches the bytes behind cid, preferring the content store and
// falling back to public gateways. Non-JSON content is NOT an error: it comes
// back as a sentinel payload so callers can surface the integrity failure.
func (c *Client) Retrieve(ctx context.Context, cid string) (*Payload, error) {
	sources := make([]retrieveSource, 0, 1+len(c.cfg.Gateways))
	sources = append(sources, retrieveSource{
		url:     c.cfg.APIURL + "/file/" + cid + "/contents",
		name:    "service",
		public:  false,
		useAuth: true,
	})
	for _, tmpl := range c.cfg.Gateways {
		u := fmt.Sprintf(tmpl, cid)
		sources = append(sources, retrieveSource{url: u, name: hostOf(u), public: true})
	}

	var lastErr error
	for _, src := range sources {
		if src.public {
			if err := c.gateway.Wait(ctx); err != nil {
				return nil, err
			}
		}
		raw, err := c.get(ctx, src)
		if err != nil {
			lastErr = err
			c.log.Debug("gateway miss", zap.String("cid", cid),
				zap.String("source", src.name), zap.Error(err))
			continue
		}
		return decodePayload(raw, src.name), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no sources configured")
	}
	return nil, fmt.Errorf("%w: cid %s: %v", ErrContentUnavailable, cid, lastErr)
}

type retrieveSource struct {
	url     string
	name    string
	public  bool
	useAuth bool
}

func (c *Client) post(ctx context.Context, url, contentType string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: %s: status %d: %s", ErrUnavailable, url, resp.StatusCode, snippet(data, 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, src retrieveSource) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.url, nil)
	if err != nil {
		return nil, err
	}
	if src.useAuth && c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: status %d", src.name, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// decodePayload turns fetched bytes into a Payload, substituting the
// recovered-content sentinel when the bytes are not a JSON object.
func decodePayload(raw []byte, source string) *Payload {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil || obj == nil {
		note := "content is not a JSON object"
		if err != nil {
			note = fmt.Sprintf("content is not valid JSON: %v", err)
		}
		return &Payload{
			Raw:            raw,
			Object:         map[string]interface{}{"recovered_content": snippet(raw, recoveredSnippetLen)},
			RetrievalError: note,
			Source:         source,
		}
	}
	return &Payload{Raw: raw, Object: obj, Source: source}
}

// decodeCID accepts the shapes pinning services use for CID values: a bare
// string, {"cid": "..."}, the dag-json link form {"/": "..."}, and nestings
// of the two such as {"cid": {"/": "..."}}.
func decodeCID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, nil
	}
	var obj struct {
		CID  json.RawMessage `json:"cid"`
		Link string          `json:"/"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if len(obj.CID) > 0 {
			if cid, err := decodeCID(obj.CID); err == nil {
				return cid, nil
			}
		}
		if obj.Link != "" {
			return obj.Link, nil
		}
	}
	return "", fmt.Errorf("%w: unrecognised cid form %s", ErrMalformed, snippet(raw, 100))
}

func jsonMultipart(field, filename string, payload []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	hdr.Set("Content-Type", "application/json")
	part, err := w.CreatePart(hdr)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(payload); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

func hostOf(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	if i := strings.IndexByte(u, '/'); i >= 0 {
		u = u[:i]
	}
	return u
}
