package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/quarry-sh/quarry/pkg/errdefs"
	"github.com/quarry-sh/quarry/pkg/types"
)

const (
	// DefaultLocalPath is the base directory for locally backed volumes
	DefaultLocalPath = "/var/lib/quarry/volumes"

	metaFile = ".quarry.json"
)

// localMeta is the per-volume metadata record written alongside the
// volume data. Its presence marks a completed create, so crash-retried
// creates with the same token find it and adopt the existing volume.
type localMeta struct {
	Token          string          `json:"token"`
	CapacityBytes  int64           `json:"capacity_bytes"`
	Media          types.MediaType `json:"media,omitempty"`
	Encrypted      bool            `json:"encrypted,omitempty"`
	KeyFingerprint string          `json:"key_fingerprint,omitempty"`
	SourceHandle   string          `json:"source_handle,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// LocalDir is an Adapter backed by directories on the local
// filesystem. Volumes are directories, snapshots are recursive copies,
// and attachments are marker files. It is synchronous and primarily
// serves single-node deployments and development.
type LocalDir struct {
	basePath string
}

// NewLocalDir creates a local directory adapter rooted at basePath.
func NewLocalDir(basePath string) (*LocalDir, error) {
	if basePath == "" {
		basePath = DefaultLocalPath
	}
	for _, dir := range []string{"volumes", "snapshots", "attachments"} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return &LocalDir{basePath: basePath}, nil
}

func (d *LocalDir) volumePath(handle string) string {
	return filepath.Join(d.basePath, "volumes", handle)
}

func (d *LocalDir) snapshotPath(handle string) string {
	return filepath.Join(d.basePath, "snapshots", handle)
}

func (d *LocalDir) attachmentPath(handle, nodeID string) string {
	return filepath.Join(d.basePath, "attachments", handle+"@"+nodeID)
}

// CreateVolume creates the volume directory and writes its metadata
// record. The idempotency token doubles as the backend handle, so a
// retried create finds the metadata of the earlier attempt and returns
// the same volume.
func (d *LocalDir) CreateVolume(ctx context.Context, spec VolumeSpec) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, errdefs.RetryableBackend("create_volume", err)
	}

	handle := spec.Token
	volumePath := d.volumePath(handle)

	// Adopt an existing volume from a previous attempt
	if meta, err := d.readMeta(volumePath); err == nil {
		return handle, meta.CapacityBytes, nil
	}

	if err := os.MkdirAll(volumePath, 0755); err != nil {
		return "", 0, errdefs.PermanentBackend("create_volume", err)
	}

	if spec.SourceHandle != "" {
		snapPath := d.snapshotPath(spec.SourceHandle)
		if _, err := os.Stat(snapPath); err != nil {
			return "", 0, errdefs.PermanentBackend("create_volume",
				fmt.Errorf("snapshot source %s: %w", spec.SourceHandle, err))
		}
		if err := copyTree(snapPath, volumePath); err != nil {
			return "", 0, errdefs.PermanentBackend("create_volume", err)
		}
	}

	// Local directories have no quota enforcement, so the provisioned
	// capacity is the request rounded up to a whole mebibyte.
	capacity := roundUp(spec.CapacityBytes, types.Mebibyte)

	meta := localMeta{
		Token:         spec.Token,
		CapacityBytes: capacity,
		Media:         spec.Media,
		SourceHandle:  spec.SourceHandle,
		CreatedAt:     time.Now().UTC(),
	}
	if len(spec.DataKey) > 0 {
		sum := sha256.Sum256(spec.DataKey)
		meta.Encrypted = true
		meta.KeyFingerprint = hex.EncodeToString(sum[:8])
	}
	if err := d.writeMeta(volumePath, &meta); err != nil {
		return "", 0, errdefs.PermanentBackend("create_volume", err)
	}
	return handle, capacity, nil
}

// DeleteVolume removes the volume directory and any stale attachment
// markers. Unknown handles are treated as already deleted.
func (d *LocalDir) DeleteVolume(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return errdefs.RetryableBackend("delete_volume", err)
	}

	markers, _ := filepath.Glob(d.attachmentPath(handle, "*"))
	for _, marker := range markers {
		os.Remove(marker)
	}

	if err := os.RemoveAll(d.volumePath(handle)); err != nil {
		return errdefs.PermanentBackend("delete_volume", err)
	}
	return nil
}

// Attach drops a marker file recording that the volume is in use on
// the node. Repeated attaches of the same pair overwrite the marker.
func (d *LocalDir) Attach(ctx context.Context, handle, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return errdefs.RetryableBackend("attach", err)
	}
	if _, err := os.Stat(d.volumePath(handle)); err != nil {
		return errdefs.PermanentBackend("attach", fmt.Errorf("volume %s: %w", handle, err))
	}
	if err := os.WriteFile(d.attachmentPath(handle, nodeID), []byte(d.volumePath(handle)+"\n"), 0644); err != nil {
		return errdefs.PermanentBackend("attach", err)
	}
	return nil
}

// Detach removes the attachment marker. A missing marker is a no-op.
func (d *LocalDir) Detach(ctx context.Context, handle, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return errdefs.RetryableBackend("detach", err)
	}
	if err := os.Remove(d.attachmentPath(handle, nodeID)); err != nil && !os.IsNotExist(err) {
		return errdefs.PermanentBackend("detach", err)
	}
	return nil
}

// CreateSnapshot copies the volume directory into the snapshot area.
// Copies are synchronous, so the snapshot is ready as soon as the
// call returns; SnapshotStatus reports Ready for any handle that
// finished its copy. The token doubles as the snapshot handle.
func (d *LocalDir) CreateSnapshot(ctx context.Context, handle, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errdefs.RetryableBackend("create_snapshot", err)
	}

	volumePath := d.volumePath(handle)
	if _, err := os.Stat(volumePath); err != nil {
		return "", errdefs.PermanentBackend("create_snapshot", fmt.Errorf("volume %s: %w", handle, err))
	}

	snapPath := d.snapshotPath(token)
	if _, err := os.Stat(snapPath); err == nil {
		return token, nil
	}

	// Copy into a staging directory first so a crashed copy never
	// looks like a completed snapshot.
	staging := snapPath + ".partial"
	os.RemoveAll(staging)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return "", errdefs.PermanentBackend("create_snapshot", err)
	}
	if err := copyTree(volumePath, staging); err != nil {
		os.RemoveAll(staging)
		return "", errdefs.PermanentBackend("create_snapshot", err)
	}
	if err := os.Rename(staging, snapPath); err != nil {
		os.RemoveAll(staging)
		return "", errdefs.PermanentBackend("create_snapshot", err)
	}
	return token, nil
}

// SnapshotStatus reports Ready when the snapshot directory exists and
// Pending while only a staging directory does.
func (d *LocalDir) SnapshotStatus(ctx context.Context, snapshotHandle string) (types.SnapshotState, error) {
	if err := ctx.Err(); err != nil {
		return "", errdefs.RetryableBackend("snapshot_status", err)
	}
	if _, err := os.Stat(d.snapshotPath(snapshotHandle)); err == nil {
		return types.SnapshotReady, nil
	}
	if _, err := os.Stat(d.snapshotPath(snapshotHandle) + ".partial"); err == nil {
		return types.SnapshotPending, nil
	}
	return types.SnapshotFailed, nil
}

// DeleteSnapshot removes the snapshot directory and any staging
// leftovers. Unknown handles are a no-op.
func (d *LocalDir) DeleteSnapshot(ctx context.Context, snapshotHandle string) error {
	if err := ctx.Err(); err != nil {
		return errdefs.RetryableBackend("delete_snapshot", err)
	}
	os.RemoveAll(d.snapshotPath(snapshotHandle) + ".partial")
	if err := os.RemoveAll(d.snapshotPath(snapshotHandle)); err != nil {
		return errdefs.PermanentBackend("delete_snapshot", err)
	}
	return nil
}

// Probe verifies the base directory is writable.
func (d *LocalDir) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errdefs.RetryableBackend("probe", err)
	}
	probe := filepath.Join(d.basePath, ".probe")
	if err := os.WriteFile(probe, []byte("ok\n"), 0644); err != nil {
		return errdefs.RetryableBackend("probe", err)
	}
	os.Remove(probe)
	return nil
}

func (d *LocalDir) readMeta(volumePath string) (*localMeta, error) {
	data, err := os.ReadFile(filepath.Join(volumePath, metaFile))
	if err != nil {
		return nil, err
	}
	var meta localMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (d *LocalDir) writeMeta(volumePath string, meta *localMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(volumePath, metaFile), data, 0644)
}

func roundUp(n, unit int64) int64 {
	if n <= 0 {
		return unit
	}
	return ((n + unit - 1) / unit) * unit
}

// copyTree recursively copies the contents of src into dst. Regular
// files and directories only; the local adapter never creates anything
// else inside a volume.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
