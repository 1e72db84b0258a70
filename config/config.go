// Package config implements gletscher's persisted configuration
// directory: backup.config plus the index/, catalogs/, and
// tmp/ subdirectories it names. The file is rendered with
// github.com/BurntSushi/toml as bracketed `[section]` tables, one struct
// field per key.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/pmoor/gletscher/chunker"
	"github.com/pmoor/gletscher/crypt"
	"github.com/pmoor/gletscher/gerrors"
	"github.com/pmoor/gletscher/streamer"
	"github.com/pmoor/gletscher/upload"
)

const fileName = "backup.config"

// Config is the parsed contents of backup.config.
type Config struct {
	ID struct {
		UUID      string `toml:"uuid"`
		Key       string `toml:"key"`
		Signature string `toml:"signature"`
	} `toml:"id"`
	AWS struct {
		Region          string `toml:"region"`
		AccountID       string `toml:"account_id"`
		AccessKey       string `toml:"access_key"`
		SecretAccessKey string `toml:"secret_access_key"`
	} `toml:"aws"`
	Glacier struct {
		VaultName string `toml:"vault_name"`
	} `toml:"glacier"`
	Dirs struct {
		Index    string `toml:"index"`
		Catalogs string `toml:"catalogs"`
		Tmp      string `toml:"tmp"`
	} `toml:"dirs"`
	Scanning struct {
		MaxChunkSize    int64 `toml:"max_chunk_size"`
		MaxDataFileSize int64 `toml:"max_data_file_size"`
		UploadChunkSize int64 `toml:"upload_chunk_size"`
	} `toml:"scanning"`

	// dir is the configuration directory this Config was loaded from or
	// will be written to; not persisted.
	dir string
}

func defaults() Config {
	var c Config
	c.Dirs.Index = "index"
	c.Dirs.Catalogs = "catalogs"
	c.Dirs.Tmp = "tmp"
	c.Scanning.MaxChunkSize = chunker.DefaultBlockSize
	c.Scanning.MaxDataFileSize = streamer.DefaultMaxFileSize
	c.Scanning.UploadChunkSize = upload.DefaultPartSize
	return c
}

// Init creates a brand-new configuration directory: draws a UUID and
// secret key, computes the key-authentication signature, writes
// backup.config, and creates the index/, catalogs/, and tmp/
// subdirectories.
func Init(dir, region, accountID, accessKey, secretAccessKey, vaultName string) (*Config, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("config: create %s: %w: %w", dir, err, gerrors.ErrIO)
	}

	c := defaults()
	c.dir = dir
	c.AWS.Region = region
	c.AWS.AccountID = accountID
	c.AWS.AccessKey = accessKey
	c.AWS.SecretAccessKey = secretAccessKey
	c.Glacier.VaultName = vaultName

	id := uuid.New()
	key := make([]byte, crypt.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("config: generate secret key: %w: %w", err, gerrors.ErrIO)
	}
	c.ID.UUID = id.String()
	c.ID.Key = hex.EncodeToString(key)

	crypter, err := crypt.New(key)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	sig := crypter.Hash(id[:])
	c.ID.Signature = hex.EncodeToString(sig[:])

	if err := c.save(); err != nil {
		return nil, err
	}
	for _, sub := range []string{c.Dirs.Index, c.Dirs.Catalogs, c.Dirs.Tmp} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("config: create %s: %w: %w", sub, err, gerrors.ErrIO)
		}
	}
	return &c, nil
}

// Load reads and validates the configuration directory at dir, failing
// with gerrors.ErrConfig if the file is missing, malformed, or the key
// signature doesn't authenticate the UUID.
func Load(dir string) (*Config, error) {
	c := defaults()
	c.dir = dir
	if _, err := toml.DecodeFile(filepath.Join(dir, fileName), &c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w: %w", fileName, err, gerrors.ErrConfig)
	}

	key, err := c.SecretKey()
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(c.ID.UUID)
	if err != nil {
		return nil, fmt.Errorf("config: parse uuid %q: %w: %w", c.ID.UUID, err, gerrors.ErrConfig)
	}
	sig, err := hex.DecodeString(c.ID.Signature)
	if err != nil || len(sig) != 32 {
		return nil, fmt.Errorf("config: parse signature: %w: %w", err, gerrors.ErrConfig)
	}
	crypter, err := crypt.New(key)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	idBytes := [16]byte(id)
	want := crypter.Hash(idBytes[:])
	var gotArr [32]byte
	copy(gotArr[:], sig)
	if want != gotArr {
		return nil, fmt.Errorf("config: key does not authenticate backup uuid: %w", gerrors.ErrConfig)
	}
	return &c, nil
}

func (c *Config) save() error {
	f, err := os.OpenFile(filepath.Join(c.dir, fileName), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("config: open %s for write: %w: %w", fileName, err, gerrors.ErrIO)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("config: encode %s: %w: %w", fileName, err, gerrors.ErrIO)
	}
	return nil
}

// SecretKey returns the backup's decoded secret key.
func (c *Config) SecretKey() ([]byte, error) {
	key, err := hex.DecodeString(c.ID.Key)
	if err != nil || len(key) != crypt.KeySize {
		return nil, fmt.Errorf("config: parse secret key: %w: %w", err, gerrors.ErrConfig)
	}
	return key, nil
}

// Dir returns the configuration directory this Config was loaded from.
func (c *Config) Dir() string { return c.dir }

// IndexPath returns the path to the Index database.
func (c *Config) IndexPath() string {
	return filepath.Join(c.dir, c.Dirs.Index, "index.db")
}

// GlobalCatalogPath returns the path to the cumulative `_global` catalog.
func (c *Config) GlobalCatalogPath() string {
	return filepath.Join(c.dir, c.Dirs.Catalogs, "_global.catalog")
}

// CatalogPath returns the path to the per-run catalog snapshot named
// name-timestamp.
func (c *Config) CatalogPath(name, timestamp string) string {
	return filepath.Join(c.dir, c.Dirs.Catalogs, fmt.Sprintf("%s-%s.catalog", name, timestamp))
}

// CatalogsDir returns the directory holding every catalog snapshot.
func (c *Config) CatalogsDir() string {
	return filepath.Join(c.dir, c.Dirs.Catalogs)
}

// TmpDir returns the scratch directory. The directory itself is not
// removed; restore's scratch files in it are deleted when closed.
func (c *Config) TmpDir() string {
	return filepath.Join(c.dir, c.Dirs.Tmp)
}

// LogPath returns the path to the append-only operator log.
func (c *Config) LogPath() string {
	return filepath.Join(c.dir, "log.txt")
}
