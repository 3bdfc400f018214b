// Package journal provides a durable mutation log for traces. A
// journaling client wraps any trace.Client and appends every mutation
// made through it to a line-delimited file, optionally zstd-compressed
// and sealed with AES-GCM. Replay re-applies a journal into a fresh
// client, reconstructing the trace it documents.
package journal

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Compression selects how journal bytes are stored on disk.
type Compression int

const (
	// NoCompression stores records as plain JSON lines.
	NoCompression Compression = iota
	// ZstdCompression wraps the file in a Zstandard stream.
	ZstdCompression
)

var (
	// ErrBadKey reports a sealing key of illegal length.
	ErrBadKey = errors.New("journal: key must be 16, 24 or 32 bytes")
	// ErrTampered reports a record whose integrity tag does not verify.
	ErrTampered = errors.New("journal: record failed integrity check")
	// ErrSealed reports a sealed journal read without a key.
	ErrSealed = errors.New("journal: sealed record requires a key")
	// ErrBadRecord reports a record that cannot be decoded or applied.
	ErrBadRecord = errors.New("journal: bad record")
	// ErrBadValue reports a value outside the storable set.
	ErrBadValue = errors.New("journal: bad value")
	// ErrNoTrace reports a journal with no createTrace record.
	ErrNoTrace = errors.New("journal: no createTrace record")

	// ErrStop stops ForEachRecord without error when returned by its
	// callback.
	ErrStop = errors.New("journal: stop iteration")
)

// maxRecord bounds one journal line. Memory capture records carry whole
// page payloads, so lines run well past bufio's default.
const maxRecord = 16 << 20

// Options configures a journal file. Readers must use the same options
// the writer used.
type Options struct {
	// Compression selects the on-disk encoding.
	Compression Compression

	// Key, when non-nil, seals every record with AES-GCM.
	Key []byte

	// MACKey, when non-nil, stamps every record with an HMAC-SHA256 tag
	// that is verified on read.
	MACKey []byte
}

// DefaultOptions returns the options the command line uses when a
// journal path is given without further settings.
func DefaultOptions() Options {
	return Options{Compression: ZstdCompression}
}

// envelope is the on-disk line form. Plain records carry Record; sealed
// records carry the encrypted record JSON instead.
type envelope struct {
	Record *Record `json:"record,omitempty"`
	Sealed []byte  `json:"sealed,omitempty"`
	MAC    string  `json:"mac,omitempty"`
}

// Writer appends records to a journal file. Methods are safe for
// concurrent use.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	bw   *bufio.Writer
	zw   *zstd.Encoder
	w    io.Writer
	path string
	opts Options
	seq  uint64
}

// Create opens a fresh journal at path, truncating any previous file.
// A journal documents its traces from birth, so appending to an old
// file would strand the records already there.
func Create(path string, opts Options) (*Writer, error) {
	if opts.Key != nil {
		if err := checkKey(opts.Key); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	w := &Writer{file: f, bw: bufio.NewWriter(f), path: path, opts: opts}
	w.w = w.bw
	if opts.Compression == ZstdCompression {
		zw, err := zstd.NewWriter(w.bw)
		if err != nil {
			f.Close()
			return nil, err
		}
		w.zw = zw
		w.w = zw
	}
	return w, nil
}

// Path returns the file the writer appends to.
func (w *Writer) Path() string { return w.path }

// Append assigns the next sequence number to rec and writes it out.
func (w *Writer) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	rec.Seq = w.seq
	rec.Time = time.Now().UTC()

	env, err := sealRecord(&rec, w.opts)
	if err != nil {
		return err
	}
	line, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(line); err != nil {
		return err
	}
	_, err = w.w.Write([]byte{'\n'})
	return err
}

// Sync flushes buffered records through to the file system.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.zw != nil {
		if err := w.zw.Flush(); err != nil {
			return err
		}
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close flushes and closes the journal file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			return err
		}
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// ForEachRecord streams the journal at path, calling fn for every
// record in order. fn may return ErrStop to end the walk cleanly.
func ForEachRecord(path string, opts Options, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if opts.Compression == ZstdCompression {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return err
		}
		defer zr.Close()
		r = zr
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecord)
	line := 0
	for sc.Scan() {
		line++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrBadRecord, line, err)
		}
		rec, err := openRecord(&env, opts)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(*rec); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return sc.Err()
}

// ReadRecords returns every record in the journal at path.
func ReadRecords(path string, opts Options) ([]Record, error) {
	var recs []Record
	err := ForEachRecord(path, opts, func(rec Record) error {
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// sealRecord builds the on-disk envelope for rec. The MAC covers the
// stored bytes, sealed or plain, so verification never needs the
// sealing key first.
func sealRecord(rec *Record, opts Options) (*envelope, error) {
	env := &envelope{}
	stored, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if opts.Key != nil {
		sealed, err := seal(stored, opts.Key)
		if err != nil {
			return nil, err
		}
		env.Sealed = sealed
		stored = sealed
	} else {
		env.Record = rec
	}
	if opts.MACKey != nil {
		env.MAC = mac(stored, opts.MACKey)
	}
	return env, nil
}

// openRecord verifies and decodes one envelope back into a record.
func openRecord(env *envelope, opts Options) (*Record, error) {
	stored := env.Sealed
	if env.Sealed == nil {
		if env.Record == nil {
			return nil, ErrBadRecord
		}
		var err error
		stored, err = json.Marshal(env.Record)
		if err != nil {
			return nil, err
		}
	}
	if opts.MACKey != nil {
		if env.MAC == "" || !hmac.Equal([]byte(mac(stored, opts.MACKey)), []byte(env.MAC)) {
			return nil, ErrTampered
		}
	}
	if env.Sealed == nil {
		return env.Record, nil
	}

	if opts.Key == nil {
		return nil, ErrSealed
	}
	plain, err := unseal(env.Sealed, opts.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTampered, err)
	}
	var rec Record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	return &rec, nil
}

func checkKey(key []byte) error {
	switch len(key) {
	case 16, 24, 32:
		return nil
	}
	return ErrBadKey
}

// seal encrypts data with AES-GCM, prepending the nonce to the result.
func seal(data, key []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

// unseal reverses seal, authenticating the payload as it decrypts.
func unseal(data, key []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(data) < aead.NonceSize() {
		return nil, errors.New("sealed data too short")
	}
	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

func mac(data, key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
