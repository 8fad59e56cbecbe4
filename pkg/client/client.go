package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	apiv1 "github.com/quarry-sh/quarry/api/v1"
)

// Client talks to the controller's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given API address. The address may be a
// bare host:port, a http:// URL, or a unix:// socket path.
func New(addr string) *Client {
	if strings.HasPrefix(addr, "unix://") {
		return newUnix(strings.TrimPrefix(addr, "unix://"))
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func newUnix(socketPath string) *Client {
	return &Client{
		baseURL: "http://unix",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// apiError carries the server's error body alongside the status code.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// IsNotFound reports whether the error is a 404 from the API.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*apiError)
	return ok && apiErr.Status == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 from the API.
func IsConflict(err error) bool {
	apiErr, ok := err.(*apiError)
	return ok && apiErr.Status == http.StatusConflict
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody apiv1.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error == "" {
			errBody.Error = resp.Status
		}
		return &apiError{Status: resp.StatusCode, Message: errBody.Error}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Claims

func (c *Client) CreateClaim(ctx context.Context, req apiv1.CreateClaimRequest) (*apiv1.Claim, error) {
	var claim apiv1.Claim
	if err := c.do(ctx, http.MethodPost, "/v1/claims", req, &claim); err != nil {
		return nil, err
	}
	return &claim, nil
}

func (c *Client) GetClaim(ctx context.Context, id string) (*apiv1.Claim, error) {
	var claim apiv1.Claim
	if err := c.do(ctx, http.MethodGet, "/v1/claims/"+url.PathEscape(id), nil, &claim); err != nil {
		return nil, err
	}
	return &claim, nil
}

func (c *Client) ListClaims(ctx context.Context) ([]apiv1.Claim, error) {
	var claims []apiv1.Claim
	if err := c.do(ctx, http.MethodGet, "/v1/claims", nil, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (c *Client) DeleteClaim(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/claims/"+url.PathEscape(id), nil, nil)
}

// Volumes

func (c *Client) GetVolume(ctx context.Context, id string) (*apiv1.Volume, error) {
	var volume apiv1.Volume
	if err := c.do(ctx, http.MethodGet, "/v1/volumes/"+url.PathEscape(id), nil, &volume); err != nil {
		return nil, err
	}
	return &volume, nil
}

func (c *Client) ListVolumes(ctx context.Context) ([]apiv1.Volume, error) {
	var volumes []apiv1.Volume
	if err := c.do(ctx, http.MethodGet, "/v1/volumes", nil, &volumes); err != nil {
		return nil, err
	}
	return volumes, nil
}

func (c *Client) VolumeAttachments(ctx context.Context, volumeID string) ([]apiv1.Attachment, error) {
	var attachments []apiv1.Attachment
	path := "/v1/volumes/" + url.PathEscape(volumeID) + "/attachments"
	if err := c.do(ctx, http.MethodGet, path, nil, &attachments); err != nil {
		return nil, err
	}
	return attachments, nil
}

// Snapshots

func (c *Client) CreateSnapshot(ctx context.Context, volumeID string) (*apiv1.Snapshot, error) {
	var snap apiv1.Snapshot
	req := apiv1.CreateSnapshotRequest{VolumeID: volumeID}
	if err := c.do(ctx, http.MethodPost, "/v1/snapshots", req, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) GetSnapshot(ctx context.Context, id string) (*apiv1.Snapshot, error) {
	var snap apiv1.Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/snapshots/"+url.PathEscape(id), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) ListSnapshots(ctx context.Context) ([]apiv1.Snapshot, error) {
	var snapshots []apiv1.Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/snapshots", nil, &snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (c *Client) DeleteSnapshot(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/snapshots/"+url.PathEscape(id), nil, nil)
}

// Attachments

func (c *Client) Attach(ctx context.Context, volumeID, nodeID string) (*apiv1.Attachment, error) {
	var att apiv1.Attachment
	req := apiv1.AttachRequest{VolumeID: volumeID, NodeID: nodeID}
	if err := c.do(ctx, http.MethodPost, "/v1/attachments", req, &att); err != nil {
		return nil, err
	}
	return &att, nil
}

func (c *Client) Detach(ctx context.Context, volumeID, nodeID string) error {
	req := apiv1.AttachRequest{VolumeID: volumeID, NodeID: nodeID}
	return c.do(ctx, http.MethodPost, "/v1/attachments/detach", req, nil)
}

func (c *Client) GetAttachment(ctx context.Context, id string) (*apiv1.Attachment, error) {
	var att apiv1.Attachment
	if err := c.do(ctx, http.MethodGet, "/v1/attachments/"+url.PathEscape(id), nil, &att); err != nil {
		return nil, err
	}
	return &att, nil
}

func (c *Client) ListAttachments(ctx context.Context) ([]apiv1.Attachment, error) {
	var attachments []apiv1.Attachment
	if err := c.do(ctx, http.MethodGet, "/v1/attachments", nil, &attachments); err != nil {
		return nil, err
	}
	return attachments, nil
}

// Storage classes

func (c *Client) PutClass(ctx context.Context, class apiv1.Class) (*apiv1.Class, error) {
	var stored apiv1.Class
	if err := c.do(ctx, http.MethodPost, "/v1/classes", class, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (c *Client) GetClass(ctx context.Context, id string) (*apiv1.Class, error) {
	var class apiv1.Class
	if err := c.do(ctx, http.MethodGet, "/v1/classes/"+url.PathEscape(id), nil, &class); err != nil {
		return nil, err
	}
	return &class, nil
}

func (c *Client) ListClasses(ctx context.Context) ([]apiv1.Class, error) {
	var classes []apiv1.Class
	if err := c.do(ctx, http.MethodGet, "/v1/classes", nil, &classes); err != nil {
		return nil, err
	}
	return classes, nil
}

// Cluster

func (c *Client) ClusterInfo(ctx context.Context) (*apiv1.ClusterInfo, error) {
	var info apiv1.ClusterInfo
	if err := c.do(ctx, http.MethodGet, "/v1/cluster", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) JoinCluster(ctx context.Context, nodeID, address, token string) error {
	req := apiv1.JoinRequest{NodeID: nodeID, Address: address, Token: token}
	return c.do(ctx, http.MethodPost, "/v1/cluster/join", req, nil)
}

func (c *Client) GenerateJoinToken(ctx context.Context) (*apiv1.TokenResponse, error) {
	var token apiv1.TokenResponse
	if err := c.do(ctx, http.MethodPost, "/v1/cluster/tokens", nil, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// StreamEvents delivers lifecycle events to handle until the context
// is canceled or the stream breaks. The streaming request itself is
// exempt from the client timeout.
func (c *Client) StreamEvents(ctx context.Context, handle func(apiv1.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events", nil)
	if err != nil {
		return err
	}

	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &apiError{Status: resp.StatusCode, Message: resp.Status}
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event apiv1.Event
		if err := json.Unmarshal(line, &event); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		handle(event)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}
