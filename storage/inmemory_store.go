package storage

import (
	"context"
	"encoding/base64"
	"strconv"
	"sync"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	EventSet = "set"
	EventDel = "del"
)

// InmemoryStore keeps the whole keyspace in one JSON document, keys mapping
// to string values. Values that are not valid UTF-8 are kept as
// {"base64": "..."} objects so they survive the round trip byte for byte.
type InmemoryStore struct {
	valuesMu sync.RWMutex
	values   []byte

	mu          sync.Mutex
	updateChans []chan *Update

	// stop willl be closed when Close() is called
	stop chan struct{}
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values:      []byte("{}"),
		stop:        make(chan struct{}),
		updateChans: make([]chan *Update, 0),
	}
}

func (i *InmemoryStore) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return nil
	}

	close(i.stop)

	for _, updateChan := range i.updateChans {
		close(updateChan)
	}

	return nil
}

func (i *InmemoryStore) Set(ctx context.Context, key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}

	i.valuesMu.Lock()
	values, err := setValue(i.values, keyPath(key), value)
	if err == nil {
		i.values = values
	}
	i.valuesMu.Unlock()

	if err != nil {
		return err
	}

	i.notify(key, EventSet)
	return nil
}

func (i *InmemoryStore) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, nil
	}

	i.valuesMu.RLock()
	defer i.valuesMu.RUnlock()

	result := gjson.GetBytes(i.values, keyPath(key))
	if !result.Exists() {
		return nil, false, nil
	}

	value, err := decodeValue(result)
	if err != nil {
		return nil, false, err
	}

	return value, true, nil
}

func (i *InmemoryStore) Del(ctx context.Context, keys ...[]byte) (int64, error) {
	var deleted [][]byte

	i.valuesMu.Lock()
	for _, key := range keys {
		if len(key) == 0 {
			continue
		}

		path := keyPath(key)
		if !gjson.GetBytes(i.values, path).Exists() {
			continue
		}

		values, err := sjson.DeleteBytes(i.values, path)
		if err != nil {
			i.valuesMu.Unlock()
			return int64(len(deleted)), err
		}

		i.values = values
		deleted = append(deleted, key)
	}
	i.valuesMu.Unlock()

	for _, key := range deleted {
		i.notify(key, EventDel)
	}

	return int64(len(deleted)), nil
}

func (i *InmemoryStore) Exists(ctx context.Context, keys ...[]byte) (int64, error) {
	i.valuesMu.RLock()
	defer i.valuesMu.RUnlock()

	var n int64
	for _, key := range keys {
		if len(key) > 0 && gjson.GetBytes(i.values, keyPath(key)).Exists() {
			n++
		}
	}

	return n, nil
}

// Incr adds one to the integer stored at key, a missing key counts as 0.
func (i *InmemoryStore) Incr(ctx context.Context, key []byte) (int64, error) {
	if len(key) == 0 {
		return 0, ErrEmptyKey
	}

	path := keyPath(key)

	i.valuesMu.Lock()

	var n int64
	if result := gjson.GetBytes(i.values, path); result.Exists() {
		if result.IsObject() {
			i.valuesMu.Unlock()
			return 0, ErrNotInteger
		}

		parsed, err := strconv.ParseInt(result.String(), 10, 64)
		if err != nil || parsed == 1<<63-1 {
			i.valuesMu.Unlock()
			return 0, ErrNotInteger
		}

		n = parsed
	}

	n++

	values, err := sjson.SetBytes(i.values, path, strconv.FormatInt(n, 10))
	if err == nil {
		i.values = values
	}

	i.valuesMu.Unlock()

	if err != nil {
		return 0, err
	}

	i.notify(key, EventSet)
	return n, nil
}

func (i *InmemoryStore) ListenToUpdates() <-chan *Update {
	i.mu.Lock()
	defer i.mu.Unlock()

	updateChan := make(chan *Update, 255)
	if !i.isRunning() {
		close(updateChan)
		return updateChan
	}

	i.updateChans = append(i.updateChans, updateChan)

	return updateChan
}

func (i *InmemoryStore) Restore(values []byte) error {
	if !gjson.ValidBytes(values) || !gjson.ParseBytes(values).IsObject() {
		return ErrInvalidBackup
	}

	i.valuesMu.Lock()
	i.values = append([]byte{}, values...)
	i.valuesMu.Unlock()

	return nil
}

func (i *InmemoryStore) Backup() ([]byte, error) {
	i.valuesMu.RLock()
	defer i.valuesMu.RUnlock()

	return append([]byte{}, i.values...), nil
}

// notify tells listeners about a change. Listeners that fall behind miss
// updates rather than stall writers.
func (i *InmemoryStore) notify(key []byte, event string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return
	}

	for _, updateChan := range i.updateChans {
		select {
		case updateChan <- &Update{Key: append([]byte{}, key...), Event: event}:
		default:
		}
	}
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

// setValue stores value at path as a JSON string, or as a base64 object when
// JSON cannot carry its bytes.
func setValue(values []byte, path string, value []byte) ([]byte, error) {
	if utf8.Valid(value) {
		return sjson.SetBytes(values, path, string(value))
	}

	raw := make([]byte, 0, base64.StdEncoding.EncodedLen(len(value))+13)
	raw = append(raw, `{"base64":"`...)
	raw = append(raw, base64.StdEncoding.EncodeToString(value)...)
	raw = append(raw, `"}`...)

	return sjson.SetRawBytes(values, path, raw)
}

func decodeValue(result gjson.Result) ([]byte, error) {
	if !result.IsObject() {
		return []byte(result.String()), nil
	}

	return base64.StdEncoding.DecodeString(result.Get("base64").String())
}

// keyPath escapes key so gjson and sjson treat it as a single object key.
func keyPath(key []byte) string {
	path := make([]byte, 0, len(key)+8)

	for _, c := range key {
		isWord := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c >= 0x80
		if !isWord {
			path = append(path, '\\')
		}

		path = append(path, c)
	}

	return string(path)
}

var _ Store = (*InmemoryStore)(nil)
