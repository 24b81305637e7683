package prognos

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// archiveNonceSize is the nonce size for AES-GCM.
	archiveNonceSize = 12
	// archiveSaltSize is the salt size for key derivation.
	archiveSaltSize = 32
	// archiveKeySize is the AES-256 key size.
	archiveKeySize = 32
	// archiveKDFIterations is the number of PBKDF2 iterations.
	archiveKDFIterations = 100000
)

// ArchiveConfig configures the model artifact archive.
type ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles or environment
	// variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY) over setting
	// these directly.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // Key prefix for all objects
	UsePathStyle    bool

	// Passphrase derives the AES-256 key protecting archived artifacts.
	// Empty disables encryption.
	Passphrase string

	// CacheSize is the number of artifacts cached in memory. Default: 32
	CacheSize int

	// Retry bounds S3 operation attempts.
	Retry RetryConfig
}

// DefaultArchiveConfig returns default configuration. The archive stays
// disabled until a bucket is set.
func DefaultArchiveConfig() ArchiveConfig {
	retry := DefaultRetryConfig()
	retry.RetryIf = IsRetryable
	return ArchiveConfig{
		Region:    "us-east-1",
		CacheSize: 32,
		Retry:     retry,
	}
}

// ArchivedModel is the serialized form of one promoted model version:
// registry bookkeeping plus the trained parameters needed to rebuild a
// serving artifact.
type ArchivedModel struct {
	Tenant     string    `json:"tenant"`
	Task       ModelTask `json:"task"`
	Version    int       `json:"version"`
	TrainedAt  time.Time `json:"trained_at"`
	TrainedOn  int       `json:"trained_on"`
	ArchivedAt time.Time `json:"archived_at"`

	Anomaly   *AnomalyModel   `json:"anomaly,omitempty"`
	RUL       *RULModel       `json:"rul,omitempty"`
	Reference *DriftReference `json:"reference,omitempty"`
}

// Artifact rebuilds the serving artifact from the archived parameters, or
// nil for an archive entry written without them.
func (m *ArchivedModel) Artifact() *TrainedArtifact {
	if m.Anomaly == nil && m.RUL == nil {
		return nil
	}
	return &TrainedArtifact{
		Anomaly:   m.Anomaly,
		RUL:       m.RUL,
		Reference: m.Reference,
		TrainedOn: m.TrainedOn,
	}
}

// ModelArchive keeps a copy of every promoted model version in object
// storage: JSON, snappy-compressed, optionally AES-GCM encrypted with a key
// derived from the passphrase. Reads go through an LRU cache.
type ModelArchive struct {
	client  *s3.Client
	config  ArchiveConfig
	cache   *LRUCache
	retryer *Retryer
	mu      sync.RWMutex
}

// NewModelArchive creates an archive bound to an S3 bucket.
func NewModelArchive(cfg ArchiveConfig) (*ModelArchive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 32
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &ModelArchive{
		client:  s3.NewFromConfig(awsCfg, s3Opts...),
		config:  cfg,
		cache:   NewLRUCache(cfg.CacheSize),
		retryer: NewRetryer(cfg.Retry),
	}, nil
}

// Put archives one promoted model version, trained parameters included,
// under a versioned key.
func (a *ModelArchive) Put(ctx context.Context, rec ModelRecord, artifact *TrainedArtifact) error {
	archived := ArchivedModel{
		Tenant:     rec.Tenant,
		Task:       rec.Task,
		Version:    rec.Version,
		TrainedAt:  rec.TrainedAt,
		TrainedOn:  rec.TrainedOn,
		ArchivedAt: time.Now(),
	}
	if artifact != nil {
		archived.Anomaly = artifact.Anomaly
		archived.RUL = artifact.RUL
		archived.Reference = artifact.Reference
	}
	plain, err := json.Marshal(archived)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	data := snappy.Encode(nil, plain)
	if a.config.Passphrase != "" {
		if data, err = a.encrypt(data); err != nil {
			return fmt.Errorf("encrypt artifact: %w", err)
		}
	}

	key := a.objectKey(rec.Tenant, rec.Task, rec.Version)
	result := a.retryer.Do(ctx, func() error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(a.config.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		return err
	})
	if result.LastErr != nil {
		return fmt.Errorf("archive put %s: %w", key, result.LastErr)
	}
	a.cache.Put(key, data)
	return nil
}

// Get retrieves one archived model version. The returned entry's Artifact
// method rebuilds a serving artifact from the stored parameters.
func (a *ModelArchive) Get(ctx context.Context, tenant string, task ModelTask, version int) (*ArchivedModel, error) {
	key := a.objectKey(tenant, task, version)

	data, ok := a.cache.Get(key)
	if !ok {
		result := a.retryer.Do(ctx, func() error {
			out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(a.config.Bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return err
			}
			defer out.Body.Close()
			data, err = io.ReadAll(out.Body)
			return err
		})
		if result.LastErr != nil {
			return nil, fmt.Errorf("archive get %s: %w", key, result.LastErr)
		}
		a.cache.Put(key, data)
	}

	var err error
	if a.config.Passphrase != "" {
		if data, err = a.decrypt(data); err != nil {
			return nil, fmt.Errorf("decrypt artifact %s: %w", key, err)
		}
	}
	plain, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress artifact %s: %w", key, err)
	}

	var archived ArchivedModel
	if err := json.Unmarshal(plain, &archived); err != nil {
		return nil, fmt.Errorf("unmarshal artifact %s: %w", key, err)
	}
	return &archived, nil
}

func (a *ModelArchive) objectKey(tenant string, task ModelTask, version int) string {
	return fmt.Sprintf("%smodels/%s/%s/v%06d.bin", a.config.Prefix, tenant, task, version)
}

// encrypt derives a key from the passphrase with a fresh salt and seals the
// payload with AES-GCM. Layout: salt | nonce | ciphertext.
func (a *ModelArchive) encrypt(plain []byte) ([]byte, error) {
	salt := make([]byte, archiveSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	gcm, err := a.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, archiveNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, archiveSaltSize+archiveNonceSize+len(plain)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plain, nil), nil
}

func (a *ModelArchive) decrypt(data []byte) ([]byte, error) {
	if len(data) < archiveSaltSize+archiveNonceSize {
		return nil, errors.New("ciphertext too short")
	}
	salt := data[:archiveSaltSize]
	nonce := data[archiveSaltSize : archiveSaltSize+archiveNonceSize]
	ciphertext := data[archiveSaltSize+archiveNonceSize:]

	gcm, err := a.aead(salt)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (a *ModelArchive) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(a.config.Passphrase), salt, archiveKDFIterations, archiveKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// LRUCache is a simple LRU cache for archived artifact bytes.
type LRUCache struct {
	capacity int
	items    map[string]*cacheItem
	order    []string
	mu       sync.Mutex
}

type cacheItem struct {
	data      []byte
	timestamp time.Time
}

// NewLRUCache creates a new LRU cache.
func NewLRUCache(capacity int) *LRUCache {
	return &LRUCache{
		capacity: capacity,
		items:    make(map[string]*cacheItem),
	}
}

// Get retrieves an item from the cache.
func (c *LRUCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.moveToEnd(key)
	return item.data, true
}

// Put adds an item to the cache.
func (c *LRUCache) Put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; ok {
		c.items[key].data = data
		c.items[key].timestamp = time.Now()
		c.moveToEnd(key)
		return
	}

	for len(c.items) >= c.capacity && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}

	c.items[key] = &cacheItem{data: data, timestamp: time.Now()}
	c.order = append(c.order, key)
}

// Delete removes an item from the cache.
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *LRUCache) moveToEnd(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, key)
			break
		}
	}
}
