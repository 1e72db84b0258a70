// Package glacier implements the thin wire contract gletscher needs
// against Amazon Glacier: request signing, the multipart
// upload lifecycle, and the job lifecycle used for inventory and archive
// retrieval. No Glacier service client ships in the aws-sdk-go-v2
// family, so requests are built as plain *http.Request values and signed
// with the SDK's Signature-V4 implementation
// (github.com/aws/aws-sdk-go-v2/aws/signer/v4).
package glacier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/pmoor/gletscher/gerrors"
)

const apiVersion = "2012-06-01"

// Config names the vault this Client talks to and the credentials used
// to sign every request.
type Config struct {
	Region          string
	AccountID       string
	AccessKey       string
	SecretAccessKey string
	VaultName       string

	// Endpoint overrides the default https://glacier.<region>.amazonaws.com,
	// used by tests to point at an httptest.Server.
	Endpoint string
}

// Client is gletscher's hand-rolled Glacier HTTP client.
type Client struct {
	cfg    Config
	http   *http.Client
	signer *v4.Signer
	creds  aws.CredentialsProvider
}

// New returns a Client for cfg, issuing requests through httpClient (or
// http.DefaultClient if nil). Credentials are held behind a
// credentials.StaticCredentialsProvider (wrapped in a CredentialsCache, the
// same pattern the v2 SDK's own service clients use) rather than a bare
// struct, so a future config source that rotates keys only has to satisfy
// aws.CredentialsProvider.
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = fmt.Sprintf("https://glacier.%s.amazonaws.com", cfg.Region)
	}
	provider := aws.NewCredentialsCache(
		credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretAccessKey, ""),
	)
	return &Client{cfg: cfg, http: httpClient, signer: v4.NewSigner(), creds: provider}
}

func (c *Client) vaultPath() string {
	return fmt.Sprintf("/%s/vaults/%s", c.cfg.AccountID, c.cfg.VaultName)
}

// classify maps an HTTP status code to a gerrors sentinel: 5xx is
// retryable transport trouble, 4xx a definitive rejection.
func classify(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("glacier: %s %s: server error %d: %s: %w",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, string(body), gerrors.ErrTransport)
	}
	return fmt.Errorf("glacier: %s %s: %d: %s: %w",
		resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, string(body), gerrors.ErrRemoteRejection)
}

// do builds, signs, and executes one request. body is hashed for the
// payload-hash signing element and for the x-amz-content-sha256 header;
// pass nil for GET/DELETE requests with no body.
func (c *Client) do(ctx context.Context, method, path string, headers http.Header, body []byte) (*http.Response, error) {
	url := c.cfg.Endpoint + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("glacier: build request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("x-amz-glacier-version", apiVersion)

	payloadHash := emptyPayloadHash
	if body != nil {
		sum := sha256.Sum256(body)
		payloadHash = hex.EncodeToString(sum[:])
	}
	req.Header.Set("x-amz-content-sha256", payloadHash)

	creds, err := c.creds.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("glacier: retrieve credentials: %w", err)
	}
	if err := c.signer.SignHTTP(ctx, creds, req, payloadHash, "glacier", c.cfg.Region, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("glacier: sign request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("glacier: %s %s: %w: %w", method, path, err, gerrors.ErrTransport)
	}
	return resp, nil
}

var emptyPayloadHash = func() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}()

func readAndClose(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("glacier: read response body: %w: %w", err, gerrors.ErrTransport)
	}
	return b, nil
}

// InitiateMultipartUpload starts a multipart upload for an archive
// whose parts will all be partSize bytes except the last. description is
// stored verbatim as the archive's JSON description.
func (c *Client) InitiateMultipartUpload(ctx context.Context, partSize uint64, description string) (uploadID string, err error) {
	headers := http.Header{
		"x-amz-part-size":           {strconv.FormatUint(partSize, 10)},
		"x-amz-archive-description": {description},
	}
	resp, err := c.do(ctx, http.MethodPost, c.vaultPath()+"/multipart-uploads", headers, nil)
	if err != nil {
		return "", err
	}
	body, err := readAndClose(resp)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated {
		return "", classify(resp, body)
	}
	return resp.Header.Get("x-amz-multipart-upload-id"), nil
}

// UploadPart uploads one part at byte range [start, end) (end
// exclusive) of uploadID, declaring its sub-range tree hash. A 2xx
// response with a mismatched x-amz-sha256-tree-hash is reported as
// gerrors.ErrTreeHashMismatch so the caller's part-upload retry policy
// can react to transport corruption specifically.
func (c *Client) UploadPart(ctx context.Context, uploadID string, start, end uint64, treeHash [32]byte, part []byte) error {
	contentHash := sha256.Sum256(part)
	headers := http.Header{
		"x-amz-sha256-tree-hash": {hex.EncodeToString(treeHash[:])},
		"x-amz-content-sha256":   {hex.EncodeToString(contentHash[:])},
		"Content-Range":          {fmt.Sprintf("bytes %d-%d/*", start, end-1)},
		"Content-Length":         {strconv.Itoa(len(part))},
	}
	resp, err := c.do(ctx, http.MethodPut, c.vaultPath()+"/multipart-uploads/"+uploadID, headers, part)
	if err != nil {
		return err
	}
	body, err := readAndClose(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent {
		return classify(resp, body)
	}
	if got := resp.Header.Get("x-amz-sha256-tree-hash"); got != "" && got != hex.EncodeToString(treeHash[:]) {
		return fmt.Errorf("glacier: part [%d,%d) tree hash echoed as %s, want %x: %w",
			start, end, got, treeHash, gerrors.ErrTreeHashMismatch)
	}
	return nil
}

// CompleteMultipartUpload seals uploadID into an immutable archive,
// declaring the full-file tree hash and size. A tree-hash mismatch here
// is fatal, not retried.
func (c *Client) CompleteMultipartUpload(ctx context.Context, uploadID string, archiveSize uint64, treeHash [32]byte) (archiveID string, err error) {
	headers := http.Header{
		"x-amz-sha256-tree-hash": {hex.EncodeToString(treeHash[:])},
		"x-amz-archive-size":     {strconv.FormatUint(archiveSize, 10)},
	}
	resp, err := c.do(ctx, http.MethodPost, c.vaultPath()+"/multipart-uploads/"+uploadID, headers, nil)
	if err != nil {
		return "", err
	}
	body, err := readAndClose(resp)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated {
		return "", classify(resp, body)
	}
	if got := resp.Header.Get("x-amz-sha256-tree-hash"); got != "" && got != hex.EncodeToString(treeHash[:]) {
		return "", fmt.Errorf("glacier: complete upload %s: tree hash echoed as %s, want %x: %w",
			uploadID, got, treeHash, gerrors.ErrTreeHashMismatch)
	}
	return resp.Header.Get("x-amz-archive-id"), nil
}

// AbortMultipartUpload discards an in-progress upload. Safe to call on
// an upload that is already gone; Glacier returns 404 in that case,
// which is not surfaced as an error since the end state (no pending
// upload) is what the caller wants.
func (c *Client) AbortMultipartUpload(ctx context.Context, uploadID string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.vaultPath()+"/multipart-uploads/"+uploadID, nil, nil)
	if err != nil {
		return err
	}
	body, err := readAndClose(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return classify(resp, body)
	}
	return nil
}

// PartListing is one entry of ListParts.
type PartListing struct {
	RangeStart uint64
	RangeEnd   uint64 // exclusive
	TreeHash   [32]byte
}

type listPartsResponse struct {
	Parts []struct {
		RangeInBytes   string `json:"RangeInBytes"`
		SHA256TreeHash string `json:"SHA256TreeHash"`
	} `json:"Parts"`
	Marker *string `json:"Marker"`
}

// ListParts lists every part already uploaded for uploadID, used to
// reconstruct available_parts on resume.
func (c *Client) ListParts(ctx context.Context, uploadID string) ([]PartListing, error) {
	var out []PartListing
	marker := ""
	for {
		path := c.vaultPath() + "/multipart-uploads/" + uploadID
		if marker != "" {
			path += "?marker=" + marker
		}
		resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
		if err != nil {
			return nil, err
		}
		body, err := readAndClose(resp)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, classify(resp, body)
		}
		var parsed listPartsResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("glacier: parse list-parts response: %w: %w", err, gerrors.ErrRemoteRejection)
		}
		for _, p := range parsed.Parts {
			var start, end uint64
			if _, err := fmt.Sscanf(p.RangeInBytes, "%d-%d", &start, &end); err != nil {
				return nil, fmt.Errorf("glacier: parse part range %q: %w", p.RangeInBytes, err)
			}
			th, err := hex.DecodeString(p.SHA256TreeHash)
			if err != nil || len(th) != 32 {
				return nil, fmt.Errorf("glacier: parse part tree hash %q: %w", p.SHA256TreeHash, gerrors.ErrIntegrity)
			}
			var arr [32]byte
			copy(arr[:], th)
			out = append(out, PartListing{RangeStart: start, RangeEnd: end + 1, TreeHash: arr})
		}
		if parsed.Marker == nil || *parsed.Marker == "" {
			return out, nil
		}
		marker = *parsed.Marker
	}
}

// JobType is the job kind requested from CreateJob.
type JobType string

const (
	JobTypeInventoryRetrieval JobType = "inventory-retrieval"
	JobTypeArchiveRetrieval   JobType = "archive-retrieval"
)

// CreateJob starts an asynchronous retrieval job. archiveID is required
// for JobTypeArchiveRetrieval and ignored otherwise.
func (c *Client) CreateJob(ctx context.Context, jobType JobType, archiveID string) (jobID string, err error) {
	payload := map[string]string{"Type": string(jobType)}
	if jobType == JobTypeArchiveRetrieval {
		payload["ArchiveId"] = archiveID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("glacier: marshal job request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.vaultPath()+"/jobs", http.Header{"Content-Type": {"application/json"}}, body)
	if err != nil {
		return "", err
	}
	respBody, err := readAndClose(resp)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusCreated {
		return "", classify(resp, respBody)
	}
	return resp.Header.Get("x-amz-job-id"), nil
}

// Job mirrors one entry of the job-list response, the read-only view of
// the vault's job state machine.
type Job struct {
	JobID          string
	Action         JobType
	Completed      bool
	StatusCode     string
	CreationDate   time.Time
	CompletionDate time.Time
	ArchiveID      string
	SHA256TreeHash string
}

// CompletedSuccessfully reports whether the job ran to completion and
// succeeded.
func (j Job) CompletedSuccessfully() bool {
	return j.Completed && j.StatusCode == "Succeeded"
}

type jobListResponse struct {
	JobList []struct {
		JobId          string  `json:"JobId"`
		Action         string  `json:"Action"`
		Completed      bool    `json:"Completed"`
		StatusCode     string  `json:"StatusCode"`
		CreationDate   string  `json:"CreationDate"`
		CompletionDate string  `json:"CompletionDate"`
		ArchiveId      string  `json:"ArchiveId"`
		SHA256TreeHash *string `json:"SHA256TreeHash"`
	} `json:"JobList"`
	Marker *string `json:"Marker"`
}

// ListJobs lists every job recorded for the vault, newest and oldest
// alike; callers filter by Action/age.
func (c *Client) ListJobs(ctx context.Context) ([]Job, error) {
	var out []Job
	marker := ""
	for {
		path := c.vaultPath() + "/jobs"
		if marker != "" {
			path += "?marker=" + marker
		}
		resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
		if err != nil {
			return nil, err
		}
		body, err := readAndClose(resp)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, classify(resp, body)
		}
		var parsed jobListResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("glacier: parse job list: %w: %w", err, gerrors.ErrRemoteRejection)
		}
		for _, j := range parsed.JobList {
			job := Job{
				JobID:      j.JobId,
				Action:     JobType(j.Action),
				Completed:  j.Completed,
				StatusCode: j.StatusCode,
				ArchiveID:  j.ArchiveId,
			}
			if j.SHA256TreeHash != nil {
				job.SHA256TreeHash = *j.SHA256TreeHash
			}
			job.CreationDate, _ = time.Parse(time.RFC3339, j.CreationDate)
			if j.CompletionDate != "" {
				job.CompletionDate, _ = time.Parse(time.RFC3339, j.CompletionDate)
			}
			out = append(out, job)
		}
		if parsed.Marker == nil || *parsed.Marker == "" {
			return out, nil
		}
		marker = *parsed.Marker
	}
}

// GetJobOutput downloads the output of a completed job: inventory JSON
// for an inventory-retrieval job, or archive bytes for an
// archive-retrieval job. The caller is responsible for closing the
// returned reader.
func (c *Client) GetJobOutput(ctx context.Context, jobID string) (io.ReadCloser, int64, error) {
	resp, err := c.do(ctx, http.MethodGet, c.vaultPath()+"/jobs/"+jobID+"/output", nil, nil)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		body, rerr := readAndClose(resp)
		if rerr != nil {
			return nil, 0, rerr
		}
		return nil, 0, classify(resp, body)
	}
	return resp.Body, resp.ContentLength, nil
}

// InventoryArchive is one entry of an inventory-retrieval job's output.
type InventoryArchive struct {
	ArchiveID          string
	ArchiveDescription string
	CreationDate       time.Time
	Size               int64
	SHA256TreeHash     string
}

type inventoryResponse struct {
	VaultARN      string `json:"VaultARN"`
	InventoryDate string `json:"InventoryDate"`
	ArchiveList   []struct {
		ArchiveId          string `json:"ArchiveId"`
		ArchiveDescription string `json:"ArchiveDescription"`
		CreationDate       string `json:"CreationDate"`
		Size               int64  `json:"Size"`
		SHA256TreeHash     string `json:"SHA256TreeHash"`
	} `json:"ArchiveList"`
}

// ParseInventory decodes an inventory-retrieval job's JSON output.
func ParseInventory(r io.Reader) ([]InventoryArchive, error) {
	var parsed inventoryResponse
	if err := json.NewDecoder(r).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("glacier: parse inventory: %w: %w", err, gerrors.ErrRemoteRejection)
	}
	out := make([]InventoryArchive, len(parsed.ArchiveList))
	for i, a := range parsed.ArchiveList {
		out[i] = InventoryArchive{
			ArchiveID:          a.ArchiveId,
			ArchiveDescription: a.ArchiveDescription,
			Size:               a.Size,
			SHA256TreeHash:     a.SHA256TreeHash,
		}
		out[i].CreationDate, _ = time.Parse(time.RFC3339, a.CreationDate)
	}
	return out, nil
}
