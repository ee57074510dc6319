package filed

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/filed/internal/storage"
	"pkt.systems/filed/internal/storage/disk"
	"pkt.systems/filed/internal/storage/memory"
	"pkt.systems/filed/internal/storage/s3"
)

func openBackend(cfg Config) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem":
		return memory.New(), nil
	case "", "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	case "s3":
		s3cfg, err := BuildS3Config(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureObjectStoreReady(context.Background(), backend); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// BuildDiskConfig extracts the disk backend configuration from disk:// store
// URLs. Bare paths without a scheme are accepted as well.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	raw := cfg.Store
	if strings.HasPrefix(raw, "disk://") {
		raw = strings.TrimPrefix(raw, "disk://")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return disk.Config{}, fmt.Errorf("disk store missing path (expected disk://path)")
	}
	return disk.Config{Dir: raw}, nil
}

// BuildS3Config parses s3:// URLs that target S3-compatible services (MinIO,
// AWS, etc.). The expected form is s3://host[:port]/bucket[/prefix] with
// optional query parameters insecure, path-style, and region. Credentials come
// from the standard AWS/MinIO environment and file chain.
func BuildS3Config(cfg Config) (s3.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if path == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	if bucket == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing bucket name")
	}
	var prefix string
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	query := u.Query()
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: forcePath,
	}, nil
}

func ensureObjectStoreReady(ctx context.Context, backend *s3.Store) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ok, err := backend.BucketExists(probeCtx)
	if err != nil {
		return fmt.Errorf("s3 store verification failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("s3 store verification failed: bucket %q does not exist", backend.Bucket())
	}
	return nil
}
