package testutil

import (
	"bytes"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"kvdata/internal/config"
	"kvdata/internal/logging"
)

// TestConfig creates a test configuration rooted in a temporary directory
func TestConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.Port = 0 // Let the OS choose a free port for testing
	cfg.Server.GRPCPort = 0
	cfg.Data.Directory = dir
	cfg.Data.StorageFile = filepath.Join(dir, "storage.yml")
	cfg.Data.AppName = "kvdata-test"
	cfg.Logging = logging.TestLoggingConfig()
	return cfg
}

// TestLogger creates a test logger with minimal configuration
func TestLogger() *logging.Logger {
	testLogConfig := logging.TestLoggingConfig()
	return logging.NewLogger(&testLogConfig)
}

// SafeBuffer is a bytes.Buffer safe for concurrent writers.
type SafeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CaptureLogger returns a debug-level text logger writing into a buffer.
func CaptureLogger() (*logging.Logger, *SafeBuffer) {
	buf := &SafeBuffer{}
	cfg := config.LoggingConfig{Level: "debug", Format: "text"}
	return logging.NewLoggerWithWriter(&cfg, buf), buf
}

// WriteStorageFile writes a storage file into dir and returns its path.
func WriteStorageFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write storage file: %v", err)
	}
	return path
}

// NewTarget returns a fresh random target id.
func NewTarget() string {
	return uuid.NewString()
}

// RemoteConnection reads the connection of a remote engine from
// KVDATA_TEST_<ENGINE>_{HOST,PORT,DATABASE,USERNAME,PASSWORD} and skips the
// test when no host is configured.
func RemoteConnection(t *testing.T, engine string) *config.RemoteConnectionFile {
	t.Helper()

	prefix := "KVDATA_TEST_" + strings.ToUpper(engine) + "_"
	host := os.Getenv(prefix + "HOST")
	if host == "" {
		t.Skipf("%sHOST not set, skipping %s tests", prefix, engine)
	}

	port, _ := strconv.Atoi(os.Getenv(prefix + "PORT"))
	tablePrefix := "kvtest_" + strings.ReplaceAll(GenerateRandomString(6), "-", "") + "_"
	return &config.RemoteConnectionFile{
		Host:        host,
		Port:        port,
		Database:    os.Getenv(prefix + "DATABASE"),
		Username:    os.Getenv(prefix + "USERNAME"),
		Password:    os.Getenv(prefix + "PASSWORD"),
		TablePrefix: &tablePrefix,
	}
}

// GenerateRandomString generates a random lowercase string of given length
func GenerateRandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	result := make([]byte, length)
	for i := range result {
		result[i] = charset[rand.Intn(len(charset))]
	}
	return string(result)
}

// GenerateRandomKey generates a random key for testing
func GenerateRandomKey() string {
	return fmt.Sprintf("key_%s", GenerateRandomString(8))
}

// GenerateRandomValue generates a random value for testing
func GenerateRandomValue() string {
	return fmt.Sprintf("value-%s", GenerateRandomString(16))
}

// AssertHTTPStatus verifies that the HTTP response has the expected status code
func AssertHTTPStatus(t *testing.T, recorder *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()

	if recorder.Code != expectedStatus {
		t.Errorf("Expected HTTP status %d, got %d: %s", expectedStatus, recorder.Code, recorder.Body.String())
	}
}

// AssertContains verifies that a string contains a substring
func AssertContains(t *testing.T, str, substr string) {
	t.Helper()

	if !strings.Contains(str, substr) {
		t.Errorf("Expected string to contain %s, but it doesn't: %s", substr, str)
	}
}

// AssertNotContains verifies that a string does not contain a substring
func AssertNotContains(t *testing.T, str, substr string) {
	t.Helper()

	if strings.Contains(str, substr) {
		t.Errorf("Expected string to not contain %s, but it does: %s", substr, str)
	}
}

// MockHTTPRequest creates a mock HTTP request for testing
func MockHTTPRequest(method, url string, body string) *http.Request {
	if body != "" {
		req := httptest.NewRequest(method, url, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return req
	}
	return httptest.NewRequest(method, url, nil)
}

// WaitForCondition waits for a condition to become true with timeout
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, checkInterval time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(checkInterval)
	}

	t.Fatalf("Condition not met within timeout %v", timeout)
}

// ConcurrentTest runs multiple test functions concurrently
func ConcurrentTest(t *testing.T, concurrency int, testFunc func(int)) {
	t.Helper()

	var wg sync.WaitGroup
	errs := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs <- fmt.Errorf("goroutine %d panicked: %v", index, r)
				}
			}()

			testFunc(index)
		}(i)
	}

	wg.Wait()

	select {
	case err := <-errs:
		t.Fatalf("Concurrent test failed: %v", err)
	default:
	}
}

// TestDataGenerator generates reproducible test records
type TestDataGenerator struct {
	rand *rand.Rand
}

// NewTestDataGenerator creates a new test data generator
func NewTestDataGenerator(seed int64) *TestDataGenerator {
	return &TestDataGenerator{
		rand: rand.New(rand.NewSource(seed)),
	}
}

// GenerateRecord generates n key/value pairs with lowercase keys
func (tdg *TestDataGenerator) GenerateRecord(n int) map[string]string {
	data := make(map[string]string)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key_%d_%s", i, tdg.randomString(6))
		value := fmt.Sprintf("value-%d-%s", i, tdg.randomString(16))
		data[key] = value
	}
	return data
}

func (tdg *TestDataGenerator) randomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	result := make([]byte, length)
	for i := range result {
		result[i] = charset[tdg.rand.Intn(len(charset))]
	}
	return string(result)
}
