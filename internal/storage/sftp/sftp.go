// Package sftp provides a storage backend on a remote directory reached
// over SSH. Rename and folder creation are native.
package sftp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/fruitsalade/storage-browser/internal/logging"
	"github.com/fruitsalade/storage-browser/internal/metrics"
	"github.com/fruitsalade/storage-browser/internal/storage"
	"github.com/fruitsalade/storage-browser/internal/vpath"
)

const backendType = "sftp"

// Config holds SFTP backend settings.
type Config struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"` // PEM
	// HostKey is the server key in authorized_keys format.
	HostKey               string `json:"host_key,omitempty"`
	InsecureIgnoreHostKey bool   `json:"insecure_ignore_host_key,omitempty"`
	Root                  string `json:"root"`
	CreateDirs            bool   `json:"create_dirs"`
	TimeoutSeconds        int    `json:"timeout_seconds,omitempty"`
}

// Backend implements storage.Adapter over an SFTP session.
type Backend struct {
	client     *sftp.Client
	conn       *ssh.Client // nil when the session was handed in
	root       string
	createDirs bool
	urlBase    string
}

func clientConfig(cfg Config) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if cfg.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("sftp config: password or private_key is required")
	}

	var hostKey ssh.HostKeyCallback
	switch {
	case cfg.HostKey != "":
		pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.HostKey))
		if err != nil {
			return nil, fmt.Errorf("parse host key: %w", err)
		}
		hostKey = ssh.FixedHostKey(pk)
	case cfg.InsecureIgnoreHostKey:
		logging.Warn("sftp host key verification disabled", zap.String("host", cfg.Host))
		hostKey = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errors.New("sftp config: host_key is required unless insecure_ignore_host_key is set")
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// New dials the server and opens an SFTP session.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, errors.New("sftp config: host and user are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	sshCfg, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	d := net.Dialer{Timeout: sshCfg.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, sshCfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	conn := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("start sftp session: %w", err)
	}

	b := NewWithClient(client, cfg)
	b.conn = conn
	logging.Info("sftp backend ready", zap.String("addr", addr), zap.String("root", b.root))
	return b, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse sftp config: %w", err)
	}
	return New(ctx, cfg)
}

// NewWithClient wraps an established SFTP session. Close closes the session.
func NewWithClient(client *sftp.Client, cfg Config) *Backend {
	root := path.Clean("/" + cfg.Root)
	host := cfg.Host
	if cfg.Port != 0 && cfg.Port != 22 {
		host = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}
	u := url.URL{Scheme: "sftp", Host: host, Path: root}
	if cfg.User != "" {
		u.User = url.User(cfg.User)
	}
	return &Backend{
		client:     client,
		root:       root,
		createDirs: cfg.CreateDirs,
		urlBase:    strings.TrimSuffix(u.String(), "/"),
	}
}

func (b *Backend) remotePath(key string) (string, error) {
	segs := vpath.Split(key)
	for _, s := range segs {
		if err := vpath.ValidName(s); err != nil {
			return "", err
		}
	}
	return path.Join(append([]string{b.root}, segs...)...), nil
}

func (b *Backend) record(op string, start time.Time, err error) {
	metrics.RecordStorageOperation(backendType, op, time.Since(start), err == nil)
}

func opError(op, key string, err error) error {
	var status *sftp.StatusError
	if errors.As(err, &status) && status.FxCode() == sftp.ErrSSHFxOpUnsupported {
		return storage.NewOpError(backendType, op, key, storage.ErrUnsupportedOperation, err)
	}
	return storage.NewOpError(backendType, op, key, nil, err)
}

// List reads one remote directory.
func (b *Backend) List(_ context.Context, p string) (items []storage.Item, err error) {
	start := time.Now()
	defer func() { b.record("list", start, err) }()

	p = vpath.Normalize(p)
	dir, err := b.remotePath(p)
	if err != nil {
		return nil, err
	}

	info, err := b.client.Stat(dir)
	if err != nil {
		return nil, opError("list", p, err)
	}
	if !info.IsDir() {
		return nil, storage.NewOpError(backendType, "list", p, storage.ErrNotFound, errors.New("not a directory"))
	}

	entries, err := b.client.ReadDir(dir)
	if err != nil {
		return nil, opError("list", p, err)
	}

	items = make([]storage.Item, 0, len(entries))
	for _, fi := range entries {
		key := fi.Name()
		if p != "" {
			key = p + "/" + fi.Name()
		}
		if fi.IsDir() {
			items = append(items, storage.FolderItem(fi.Name(), key))
			continue
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		items = append(items, b.fileItem(key, fi))
	}

	items = storage.Normalize(items)
	metrics.RecordListing(backendType, len(items))
	logging.Debug("sftp list", zap.String("path", p), zap.Int("items", len(items)))
	return items, nil
}

func (b *Backend) fileItem(key string, fi fs.FileInfo) storage.Item {
	return storage.Item{
		Name:        fi.Name(),
		ID:          key,
		Kind:        storage.KindFile,
		UpdatedAt:   storage.Time(fi.ModTime()),
		PublicURL:   b.publicURL(key),
		SizeBytes:   storage.Int64(fi.Size()),
		ContentType: storage.DetectContentType(nil, fi.Name()),
	}
}

// Upload writes body at dir/filename, truncating any existing file.
func (b *Backend) Upload(_ context.Context, dir string, body []byte, filename string) (item *storage.Item, err error) {
	start := time.Now()
	defer func() { b.record("upload", start, err) }()

	if err := vpath.ValidName(filename); err != nil {
		return nil, err
	}
	key, err := vpath.Join(dir, filename)
	if err != nil {
		return nil, err
	}
	remote, err := b.remotePath(key)
	if err != nil {
		return nil, err
	}

	if b.createDirs {
		if err := b.client.MkdirAll(path.Dir(remote)); err != nil {
			return nil, opError("upload", key, fmt.Errorf("create dirs: %w", err))
		}
	}

	f, err := b.client.OpenFile(remote, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, opError("upload", key, err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return nil, opError("upload", key, fmt.Errorf("write: %w", err))
	}
	if err := f.Close(); err != nil {
		return nil, opError("upload", key, fmt.Errorf("close: %w", err))
	}

	fi, err := b.client.Stat(remote)
	if err != nil {
		return nil, opError("upload", key, err)
	}
	metrics.RecordUpload(backendType, int64(len(body)))
	logging.Debug("sftp upload", zap.String("key", key), zap.Int("size", len(body)))

	it := b.fileItem(key, fi)
	it.ContentType = storage.DetectContentType(body, filename)
	return &it, nil
}

// Delete removes a single remote file. Directories are refused.
func (b *Backend) Delete(_ context.Context, key string) (err error) {
	start := time.Now()
	defer func() { b.record("delete", start, err) }()

	key = vpath.Normalize(key)
	remote, err := b.remotePath(key)
	if err != nil {
		return err
	}

	fi, err := b.client.Stat(remote)
	if err != nil {
		return opError("delete", key, err)
	}
	if fi.IsDir() {
		return storage.NewOpError(backendType, "delete", key, storage.ErrUnsupportedOperation,
			errors.New("folder delete is not supported"))
	}
	if err := b.client.Remove(remote); err != nil {
		return opError("delete", key, err)
	}
	logging.Debug("sftp delete", zap.String("key", key))
	return nil
}

// PublicURL returns an sftp:// URL for key.
func (b *Backend) PublicURL(_ context.Context, key string) (string, error) {
	key = vpath.Normalize(key)
	if _, err := b.remotePath(key); err != nil {
		return "", err
	}
	return b.publicURL(key), nil
}

func (b *Backend) publicURL(key string) string {
	segs := vpath.Split(key)
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return b.urlBase + "/" + strings.Join(segs, "/")
}

// Rename moves a remote file or directory.
func (b *Backend) Rename(_ context.Context, oldPath, newPath string) (err error) {
	start := time.Now()
	defer func() { b.record("rename", start, err) }()

	oldPath, newPath = vpath.Normalize(oldPath), vpath.Normalize(newPath)
	if oldPath == newPath {
		return nil
	}
	if newPath == "" {
		return vpath.ErrInvalidSegment
	}
	src, err := b.remotePath(oldPath)
	if err != nil {
		return err
	}
	dst, err := b.remotePath(newPath)
	if err != nil {
		return err
	}

	if _, err := b.client.Stat(src); err != nil {
		return opError("rename", oldPath, err)
	}
	if err := b.client.Rename(src, dst); err != nil {
		return opError("rename", oldPath, err)
	}
	logging.Debug("sftp rename", zap.String("from", oldPath), zap.String("to", newPath))
	return nil
}

// CreateFolder makes a remote directory. An existing directory is not an error.
func (b *Backend) CreateFolder(_ context.Context, dir, name string) (err error) {
	start := time.Now()
	defer func() { b.record("create_folder", start, err) }()

	if err := vpath.ValidName(name); err != nil {
		return err
	}
	key, err := vpath.Join(dir, name)
	if err != nil {
		return err
	}
	remote, err := b.remotePath(key)
	if err != nil {
		return err
	}

	if err := b.client.Mkdir(remote); err != nil {
		if fi, serr := b.client.Stat(remote); serr == nil && fi.IsDir() {
			return nil
		}
		return opError("create_folder", key, err)
	}
	return nil
}

// Capabilities reports native rename and folder creation.
func (b *Backend) Capabilities() storage.Capabilities {
	return storage.Capabilities{
		Rename:       storage.Native,
		CreateFolder: storage.Native,
	}
}

// Type returns "sftp".
func (b *Backend) Type() string { return backendType }

// Close ends the SFTP session and, when this backend dialed it, the SSH connection.
func (b *Backend) Close() error {
	err := b.client.Close()
	if b.conn != nil {
		if cerr := b.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
