package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/apperr"
	"github.com/nextlevelbuilder/goclaw/internal/atomicfile"
)

// passagePrefix/queryPrefix are the asymmetric e5-style input prefixes:
// "passage: " for most content, "query: " for both the query side and for
// code (to keep the index symmetric with query-side use, since code
// snippets read more like queries than prose passages).
const (
	passagePrefix = "passage: "
	queryPrefix   = "query: "
)

// Index is the process-local embedding store: vectors + metadata kept in
// memory, persisted to an index file and a metadata file, backed by a
// content-hash disk cache of raw vectors so repeated text never re-calls
// the encoder.
type Index struct {
	dir     string // memory/embeddings/
	encoder Encoder

	mu       sync.RWMutex
	vectors  [][]float32
	metadata []Entry
}

func (ix *Index) indexFilePath() string    { return filepath.Join(ix.dir, "faiss_index.bin") }
func (ix *Index) metadataFilePath() string { return filepath.Join(ix.dir, "metadata.json") }
func (ix *Index) cacheDir() string         { return filepath.Join(ix.dir, "cache") }

// New opens (or lazily creates) an embedding index rooted at dir.
func New(dir string, encoder Encoder) (*Index, error) {
	ix := &Index{dir: dir, encoder: encoder}
	if err := os.MkdirAll(ix.cacheDir(), 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindExternal, "embedding.New", "mkdir cache dir", err)
	}
	if err := ix.load(); err != nil {
		return nil, err
	}
	return ix, nil
}

// load reads the index + metadata files; on any inconsistency (mismatched
// lengths, decode failure) it rebuilds from scratch, accepting the write
// cost.2 "on startup ... on mismatch, rebuild from scratch".
func (ix *Index) load() error {
	var meta []Entry
	if err := atomicfile.Load(ix.metadataFilePath(), &meta); err != nil {
		return err
	}

	vectors, err := loadVectorFile(ix.indexFilePath())
	if err != nil || len(vectors) != len(meta) {
		return ix.rebuildFromCache(meta)
	}

	ix.mu.Lock()
	ix.vectors = vectors
	ix.metadata = meta
	ix.mu.Unlock()
	return nil
}

// rebuildFromCache reconstructs vectors for each metadata entry from the
// on-disk per-text cache, dropping any entry whose cache file is missing
// (it cannot be embedded again without the encoder and original text, and
// the text is retained in metadata precisely so this is always possible).
func (ix *Index) rebuildFromCache(meta []Entry) error {
	vectors := make([][]float32, 0, len(meta))
	kept := make([]Entry, 0, len(meta))
	for _, m := range meta {
		v, ok := ix.readCache(cacheKeyFromText(m.Text, m.ContentType))
		if !ok {
			continue
		}
		vectors = append(vectors, v)
		kept = append(kept, m)
	}

	ix.mu.Lock()
	ix.vectors = vectors
	ix.metadata = kept
	ix.mu.Unlock()

	return ix.persist()
}

func (ix *Index) persist() error {
	ix.mu.RLock()
	meta := append([]Entry(nil), ix.metadata...)
	vectors := append([][]float32(nil), ix.vectors...)
	ix.mu.RUnlock()

	if err := atomicfile.Save(ix.metadataFilePath(), meta); err != nil {
		return err
	}
	return saveVectorFile(ix.indexFilePath(), vectors)
}

// detectContentType signals code/config by looking for distinctive tokens;
// falls back to ContentText.
func detectContentType(text string) ContentType {
	lower := strings.ToLower(text)
	codeSignals := []string{"func ", "def ", "class ", "import ", "package ", "const ", "=>", "#include", "public static"}
	for _, sig := range codeSignals {
		if strings.Contains(lower, sig) {
			return ContentCode
		}
	}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return ContentConfig
	}
	if looksLikeYAML(trimmed) {
		return ContentConfig
	}
	return ContentText
}

func looksLikeYAML(s string) bool {
	lines := strings.SplitN(s, "\n", 4)
	hits := 0
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if idx := strings.Index(l, ":"); idx > 0 && idx < len(l)-1 && !strings.Contains(l, " ") {
			hits++
		}
	}
	return hits >= 2
}

func prefixFor(ct ContentType) string {
	if ct == ContentCode {
		return queryPrefix
	}
	return passagePrefix
}

func cacheKeyFromText(text string, ct ContentType) string {
	h := sha256.Sum256([]byte(prefixFor(ct) + text))
	return hex.EncodeToString(h[:])
}

// Embed embeds a single text, returning its index entry ID. contentType, if
// empty, is auto-detected. metadata.memory_id / metadata.thread_id back-
// reference the owning record.
func (ix *Index) Embed(ctx context.Context, text string, metadata map[string]any, contentType ContentType) (string, error) {
	if contentType == "" {
		contentType = detectContentType(text)
	}
	key := cacheKeyFromText(text, contentType)

	if v, ok := ix.readCache(key); ok {
		return ix.appendEntry(v, text, contentType, metadata)
	}

	vec, err := ix.encoder.Encode(ctx, prefixFor(contentType)+text)
	if err != nil {
		return "", apperr.External("embedding.Embed", err)
	}
	vec = normalize(vec)
	if err := ix.writeCache(key, vec); err != nil {
		return "", err
	}
	return ix.appendEntry(vec, text, contentType, metadata)
}

// EmbedItem is one input to EmbedBatch.
type EmbedItem struct {
	Text        string
	Metadata    map[string]any
	ContentType ContentType
}

// EmbedBatch embeds many items with one (batched, where possible) encoder
// call per cache-miss group. Recommended batch size is 32;
// callers are expected to chunk larger sets themselves.
func (ix *Index) EmbedBatch(ctx context.Context, items []EmbedItem) ([]string, error) {
	ids := make([]string, len(items))
	var missIdx []int
	var missTexts []string

	type pending struct {
		idx         int
		text        string
		contentType ContentType
		metadata    map[string]any
		key         string
	}
	var pend []pending

	for i, it := range items {
		ct := it.ContentType
		if ct == "" {
			ct = detectContentType(it.Text)
		}
		key := cacheKeyFromText(it.Text, ct)
		if v, ok := ix.readCache(key); ok {
			id, err := ix.appendEntry(v, it.Text, ct, it.Metadata)
			if err != nil {
				return nil, err
			}
			ids[i] = id
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, prefixFor(ct)+it.Text)
		pend = append(pend, pending{idx: i, text: it.Text, contentType: ct, metadata: it.Metadata, key: key})
	}

	if len(missTexts) > 0 {
		vecs, err := EncodeBatch(ctx, ix.encoder, missTexts)
		if err != nil {
			return nil, apperr.External("embedding.EmbedBatch", err)
		}
		for j, p := range pend {
			v := normalize(vecs[j])
			if err := ix.writeCache(p.key, v); err != nil {
				return nil, err
			}
			id, err := ix.appendEntry(v, p.text, p.contentType, p.metadata)
			if err != nil {
				return nil, err
			}
			ids[p.idx] = id
		}
	}
	return ids, nil
}

func (ix *Index) appendEntry(vec []float32, text string, ct ContentType, metadata map[string]any) (string, error) {
	id := uuid.NewString()
	entry := Entry{
		ID:          id,
		Text:        truncateText(text),
		ContentType: ct,
		CreatedAt:   nowFunc(),
		Metadata:    metadata,
	}

	ix.mu.Lock()
	ix.vectors = append(ix.vectors, vec)
	ix.metadata = append(ix.metadata, entry)
	ix.mu.Unlock()

	if err := ix.persist(); err != nil {
		return "", err
	}
	return id, nil
}

// Retrieve encodes query with the query-side prefix and returns up to k
// matches scoring >= threshold, optionally filtered by contentType
//. Ties are broken by original insertion order (stable).
func (ix *Index) Retrieve(ctx context.Context, query string, k int, threshold float32, contentType *ContentType) ([]Match, error) {
	qvec, err := ix.encoder.Encode(ctx, queryPrefix+query)
	if err != nil {
		return nil, apperr.External("embedding.Retrieve", err)
	}
	qvec = normalize(qvec)

	ix.mu.RLock()
	n := len(ix.vectors)
	candidates := make([]Match, 0, n)
	for i := 0; i < n; i++ {
		if contentType != nil && ix.metadata[i].ContentType != *contentType {
			continue
		}
		score := dot(qvec, ix.vectors[i])
		candidates = append(candidates, Match{Entry: ix.metadata[i], Score: score})
	}
	ix.mu.RUnlock()

	fetch := k * 3
	if fetch < n {
		// stable sort preserves insertion order among equal scores
		sort.SliceStable(candidates, func(a, b int) bool { return candidates[a].Score > candidates[b].Score })
		if fetch < len(candidates) {
			candidates = candidates[:fetch]
		}
	} else {
		sort.SliceStable(candidates, func(a, b int) bool { return candidates[a].Score > candidates[b].Score })
	}

	out := make([]Match, 0, k)
	for _, c := range candidates {
		if c.Score < threshold {
			continue
		}
		out = append(out, c)
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// DeleteByID removes the entry from metadata and rebuilds the vector array
// from the surviving entries' cache files. O(n) and intentional: the IP
// index supports no in-place deletion, and a deletion that triggers rebuild
// must leave the cache untouched for surviving entries — rebuildFromCache
// only reads the cache, never writes it for survivors.
func (ix *Index) DeleteByID(id string) error {
	ix.mu.Lock()
	kept := make([]Entry, 0, len(ix.metadata))
	for _, m := range ix.metadata {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	ix.mu.Unlock()

	return ix.rebuildFromCache(kept)
}

// Clear drops everything, including the on-disk cache directory.
func (ix *Index) Clear() error {
	ix.mu.Lock()
	ix.vectors = nil
	ix.metadata = nil
	ix.mu.Unlock()

	if err := os.RemoveAll(ix.cacheDir()); err != nil {
		return apperr.Wrap(apperr.KindExternal, "embedding.Clear", "remove cache dir", err)
	}
	if err := os.MkdirAll(ix.cacheDir(), 0o755); err != nil {
		return apperr.Wrap(apperr.KindExternal, "embedding.Clear", "recreate cache dir", err)
	}
	return ix.persist()
}

// Size returns the current number of indexed vectors.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vectors)
}

func (ix *Index) readCache(key string) ([]float32, bool) {
	path := filepath.Join(ix.cacheDir(), key+".vec")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	v, err := decodeFloat32s(data)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (ix *Index) writeCache(key string, vec []float32) error {
	path := filepath.Join(ix.cacheDir(), key+".vec")
	data := encodeFloat32s(vec)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.Wrap(apperr.KindExternal, "embedding.writeCache", "write temp cache file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperr.Wrap(apperr.KindExternal, "embedding.writeCache", "rename temp cache file", err)
	}
	return nil
}

// normalize scales v to unit L2 length so inner product equals cosine
// similarity.
func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeFloat32s(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, apperr.Invalid("embedding.decodeFloat32s", "malformed vector file")
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

func loadVectorFile(path string) ([][]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var raw [][]byte
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([][]float32, len(raw))
	for i, b := range raw {
		v, err := decodeFloat32s(b)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func saveVectorFile(path string, vectors [][]float32) error {
	raw := make([][]byte, len(vectors))
	for i, v := range vectors {
		raw[i] = encodeFloat32s(v)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalid, "embedding.saveVectorFile", "encode vectors", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.KindExternal, "embedding.saveVectorFile", "mkdir", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.Wrap(apperr.KindExternal, "embedding.saveVectorFile", "write temp", err)
	}
	return os.Rename(tmp, path)
}

// nowFunc is overridable in tests.
var nowFunc = time.Now
