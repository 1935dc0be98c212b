package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/pqrsync/internal/core"
	_ "github.com/JonMunkholm/pqrsync/internal/core/companies"
	"github.com/JonMunkholm/pqrsync/internal/objectstore"
	"github.com/JonMunkholm/pqrsync/internal/store"
)

var errTransient = errors.New("connection reset by peer")

func classifyTest(err error) core.ErrorClass {
	if errors.Is(err, errTransient) {
		return core.ClassTransient
	}
	return core.ClassPermanent
}

func testPolicy() core.RetryPolicy {
	return core.RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

// memStore is an in-memory RecordStore keyed by fingerprint.
type memStore struct {
	mu      sync.Mutex
	rows    map[core.Fingerprint]int64
	nextID  int64
	calls   int
	options []store.StoreOptions
	sources []string

	// fail returns the error for a given attempt of a record, or nil.
	fail func(rec core.Record, attempt int) error
	// block, when set, makes the first Store call signal started and wait.
	block   chan struct{}
	started chan struct{}
	once    sync.Once

	pingErr   error
	schemaErr error
	ensured   []string
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[core.Fingerprint]int64)}
}

func (m *memStore) Store(ctx context.Context, def core.CompanyDefinition, rec core.Record, fp core.Fingerprint, opts store.StoreOptions) (store.StoreOutcome, error) {
	m.mu.Lock()
	m.calls++
	m.options = append(m.options, opts)
	m.sources = append(m.sources, rec.SourceFile)
	m.mu.Unlock()

	if m.block != nil {
		m.once.Do(func() {
			close(m.started)
			<-m.block
		})
	}

	attempts, err := testPolicy().Do(ctx, classifyTest, func(ctx context.Context, attempt int) error {
		if m.fail != nil {
			return m.fail(rec, attempt)
		}
		return nil
	})
	if err != nil {
		return store.StoreOutcome{Status: store.StatusFailed, Attempts: attempts}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.rows[fp]; ok {
		if opts.Update {
			return store.StoreOutcome{Status: store.StatusUpdated, ID: id, Attempts: attempts}, nil
		}
		return store.StoreOutcome{Status: store.StatusSkippedDuplicate, ID: id, Attempts: attempts}, nil
	}
	m.nextID++
	m.rows[fp] = m.nextID
	return store.StoreOutcome{Status: store.StatusInserted, ID: m.nextID, Attempts: attempts}, nil
}

func (m *memStore) Ping(ctx context.Context) error { return m.pingErr }

func (m *memStore) EnsureSchema(ctx context.Context, def core.CompanyDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensured = append(m.ensured, def.Table)
	return m.schemaErr
}

func (m *memStore) storedFrom(source string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sources {
		if s == source {
			n++
		}
	}
	return n
}

func (m *memStore) rowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// memS3 is an in-memory ObjectAPI for single-request uploads.
type memS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	calls   map[string]int

	// fail returns the error for the n-th put of key, or nil.
	fail    func(key string, n int) error
	headErr error
}

func newMemS3() *memS3 {
	return &memS3{objects: make(map[string][]byte), calls: make(map[string]int)}
}

func (m *memS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[key]++
	if m.fail != nil {
		if err := m.fail(key, m.calls[key]); err != nil {
			return nil, err
		}
	}
	m.objects[key] = body
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart not expected")
}

func (m *memS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart not expected")
}

func (m *memS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart not expected")
}

func (m *memS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (m *memS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, m.headErr
}

func (m *memS3) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	return out
}

func (m *memS3) keyWithSuffix(suffix string) (string, bool) {
	for _, k := range m.keys() {
		if strings.HasSuffix(k, suffix) {
			return k, true
		}
	}
	return "", false
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func newTestUploader(api objectstore.ObjectAPI) *objectstore.Uploader {
	return objectstore.NewUploader(api, objectstore.UploaderConfig{Bucket: "pqr-test"}, nil, testPolicy())
}

// afiniaJSON renders a valid Afinia record.
func afiniaJSON(radicado, nic string) string {
	return fmt.Sprintf(`{
  "numero_radicado": %q,
  "nic": %q,
  "fecha_radicacion": "2024-03-05",
  "tipo_pqr": "Reclamo",
  "descripcion": "Cobro no reconocido"
}`, radicado, nic)
}

// writeFiles creates files under root; keys are slash-separated relative paths.
func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func outcomeFor(t *testing.T, run *BatchRun, item string) ItemOutcome {
	t.Helper()
	for _, o := range run.Outcomes {
		if o.Item == item {
			return o
		}
	}
	t.Fatalf("no outcome for %s", item)
	return ItemOutcome{}
}
