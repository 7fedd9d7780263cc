package index

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/beenet-mesh/meshfs/pkg/hasher"
	"github.com/beenet-mesh/meshfs/pkg/store"
	"github.com/beenet-mesh/meshfs/pkg/wire/cborcanon"
	"golang.org/x/text/unicode/norm"
)

// indexFormatVersion is bumped whenever the on-disk schema changes in a
// way that is not forward compatible. Load refuses to read a file whose
// version is higher than it understands.
const indexFormatVersion = 1

// persistedIndex is the whole-index on-disk schema.
type persistedIndex struct {
	Version    uint16           `cbor:"version"`
	SourceHash string           `cbor:"source_hash"`
	SourceName string           `cbor:"source_name"`
	Nodes      map[string]*Node `cbor:"nodes"`
}

// Index holds the forest rooted at one SRC and its backing chunk store.
type Index struct {
	mu sync.RWMutex

	storePath  string
	sourceHash string
	sourceName string
	nodes      map[string]*Node

	chunks *store.Store

	// OnNewHash is invoked synchronously, outside the index lock, after
	// AddNodeDict inserts a previously unseen hash. Nil is a valid value
	// meaning no one is subscribed yet.
	OnNewHash func(hash string)
}

// Open loads (or initializes) the index rooted at storePath. sourceName is
// only used the first time an index is created at storePath; thereafter
// the persisted source identity wins.
func Open(storePath, sourceHash, sourceName string) (*Index, error) {
	sourceName = norm.NFC.String(sourceName)

	chunks, err := store.Open(storePath)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		storePath:  storePath,
		sourceHash: sourceHash,
		sourceName: sourceName,
		nodes:      make(map[string]*Node),
		chunks:     chunks,
	}

	if err := idx.load(); err != nil {
		return nil, err
	}

	if _, ok := idx.nodes[sourceHash]; !ok {
		idx.nodes[sourceHash] = &Node{
			Hash:      sourceHash,
			Name:      sourceName,
			TimeStamp: time.Now().Unix(),
			Parent:    "root",
			Type:      TypeSRC,
		}
		if err := idx.save(); err != nil {
			return nil, err
		}
	}

	if err := idx.clearStore(); err != nil {
		return nil, err
	}

	return idx, nil
}

func (idx *Index) indexFilePath() string {
	return filepath.Join(idx.storePath, "index.cbor")
}

func (idx *Index) load() error {
	data, err := os.ReadFile(idx.indexFilePath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("index: load: %w", err)
	}

	var p persistedIndex
	if err := cborcanon.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("index: load: %w", err)
	}
	if p.Version > indexFormatVersion {
		return fmt.Errorf("index: load: unsupported index format version %d", p.Version)
	}

	idx.sourceHash = p.SourceHash
	idx.sourceName = p.SourceName
	if p.Nodes != nil {
		idx.nodes = p.Nodes
	}
	return nil
}

// save persists the whole index. Called with idx.mu held for read or
// write by every mutating operation; the I/O itself is the one place
// those operations are not strictly bounded to in-memory work, matching
// the spec's acknowledged "index file is written on every mutation"
// policy rather than attempting write coalescing.
func (idx *Index) save() error {
	p := persistedIndex{
		Version:    indexFormatVersion,
		SourceHash: idx.sourceHash,
		SourceName: idx.sourceName,
		Nodes:      idx.nodes,
	}
	data, err := cborcanon.Marshal(&p)
	if err != nil {
		return fmt.Errorf("index: save: %w", err)
	}
	tmp := idx.indexFilePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("index: save: %w", err)
	}
	if err := os.Rename(tmp, idx.indexFilePath()); err != nil {
		return fmt.Errorf("index: save: %w", err)
	}
	return nil
}

// clearStore removes any chunk file whose basename is not the hash of a
// CHUNK node still present in the index.
func (idx *Index) clearStore() error {
	idx.mu.RLock()
	valid := make(map[string]struct{})
	for _, n := range idx.nodes {
		if n.Type == TypeCHUNK {
			valid[n.Hash] = struct{}{}
		}
	}
	idx.mu.RUnlock()
	return idx.chunks.Sweep(valid)
}

// SourceHash returns this index's own SRC hash.
func (idx *Index) SourceHash() string {
	return idx.sourceHash
}

func isRootedAtSource(nodes map[string]*Node, hash, sourceHash string) bool {
	seen := make(map[string]struct{})
	for {
		if hash == sourceHash {
			return true
		}
		if hash == "root" || hash == "" {
			return false
		}
		if _, looped := seen[hash]; looped {
			return false
		}
		seen[hash] = struct{}{}
		n, ok := nodes[hash]
		if !ok {
			return false
		}
		hash = n.Parent
	}
}

// AddFile creates a FILE node under parent and chunks data into ChunkSize
// slices, each becoming a CHUNK child. It returns the new FILE's hash.
func (idx *Index) AddFile(name, parent string, data []byte) (string, error) {
	name = norm.NFC.String(name)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	parentNode, ok := idx.nodes[parent]
	if !ok && parent != idx.sourceHash {
		return "", fmt.Errorf("%w: parent %s not found", ErrUnknownParent, parent)
	}
	if ok && (parentNode.Type == TypeFILE || parentNode.Type == TypeCHUNK) {
		return "", fmt.Errorf("%w: parent %s is a %s", ErrInvalidParent, parent, parentNode.Type)
	}
	if !isRootedAtSource(idx.nodes, parent, idx.sourceHash) {
		return "", fmt.Errorf("%w: %s is not rooted at %s", ErrNotAuthorized, parent, idx.sourceHash)
	}

	fileHash := hasher.PathHash(idx.ancestry(parent))
	children := make([]string, 0, (len(data)/ChunkSize)+1)

	for offset := 0; offset < len(data); offset += ChunkSize {
		end := offset + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		slice := data[offset:end]
		chunkHash := hasher.DataHash(fileHash, slice, false)
		if err := idx.chunks.Put(chunkHash, slice); err != nil {
			return "", fmt.Errorf("index: add_file: %w", err)
		}
		idx.nodes[chunkHash] = &Node{
			Hash:      chunkHash,
			Name:      fmt.Sprintf("%s.chunk_%d", name, len(children)),
			TimeStamp: time.Now().Unix(),
			Size:      uint64(len(slice)),
			Parent:    fileHash,
			Type:      TypeCHUNK,
			IsStored:  true,
		}
		children = append(children, chunkHash)
	}

	idx.nodes[fileHash] = &Node{
		Hash:      fileHash,
		Name:      name,
		TimeStamp: time.Now().Unix(),
		Size:      uint64(len(data)),
		Parent:    parent,
		Children:  children,
		Type:      TypeFILE,
		IsStored:  len(children) > 0,
	}
	if ok {
		parentNode.Children = append(parentNode.Children, fileHash)
	}

	if err := idx.save(); err != nil {
		return "", err
	}
	return fileHash, nil
}

// AddDir creates an empty DIR node under parent.
func (idx *Index) AddDir(name, parent string) (string, error) {
	name = norm.NFC.String(name)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	parentNode, ok := idx.nodes[parent]
	if !ok && parent != idx.sourceHash {
		return "", fmt.Errorf("%w: parent %s not found", ErrUnknownParent, parent)
	}
	if ok && (parentNode.Type == TypeFILE || parentNode.Type == TypeCHUNK) {
		return "", fmt.Errorf("%w: parent %s is a %s", ErrInvalidParent, parent, parentNode.Type)
	}
	if !isRootedAtSource(idx.nodes, parent, idx.sourceHash) {
		return "", fmt.Errorf("%w: %s is not rooted at %s", ErrNotAuthorized, parent, idx.sourceHash)
	}

	dirHash := hasher.PathHash(idx.ancestry(parent))
	idx.nodes[dirHash] = &Node{
		Hash:      dirHash,
		Name:      name,
		TimeStamp: time.Now().Unix(),
		Parent:    parent,
		Type:      TypeDIR,
		IsStored:  true,
	}
	if ok {
		parentNode.Children = append(parentNode.Children, dirHash)
	}

	if err := idx.save(); err != nil {
		return "", err
	}
	return dirHash, nil
}

// ancestry returns the root-to-parent-inclusive chain of hashes used to
// mint a new child's path hash. Must be called with idx.mu held.
func (idx *Index) ancestry(parent string) []string {
	var chain []string
	cur := parent
	for cur != "root" && cur != "" {
		chain = append([]string{cur}, chain...)
		n, ok := idx.nodes[cur]
		if !ok {
			break
		}
		cur = n.Parent
	}
	return chain
}

// AddData ingests a peer's fetch response: either the raw bytes of a
// desired CHUNK, or a serialized node dictionary.
func (idx *Index) AddData(hash string, data []byte) error {
	idx.mu.Lock()
	if n, ok := idx.nodes[hash]; ok && n.Type == TypeCHUNK {
		got := hasher.DataHash(n.Parent, data, false)
		if got != hash {
			n.IsStored = false
			idx.mu.Unlock()
			return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, hash, got)
		}
		if err := idx.chunks.Put(hash, data); err != nil {
			idx.mu.Unlock()
			return fmt.Errorf("index: add_data: %w", err)
		}
		n.Size = uint64(len(data))
		n.IsStored = true
		err := idx.save()
		idx.mu.Unlock()
		return err
	}
	idx.mu.Unlock()

	var dict map[string]interface{}
	if err := cborcanon.Unmarshal(data, &dict); err != nil {
		return fmt.Errorf("%w: not a node dictionary: %v", ErrMalformed, err)
	}
	return idx.addNodeDictTree(dict)
}

// AddNodeDict merges one peer-supplied node dictionary. Insertion is
// first-write-wins: a hash already present in the index is left
// untouched. Newly inserted nodes fire OnNewHash.
func (idx *Index) AddNodeDict(dict map[string]interface{}) error {
	node, err := nodeFromDict(dict)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	if _, exists := idx.nodes[node.Hash]; exists {
		idx.mu.Unlock()
		return nil
	}
	idx.nodes[node.Hash] = node
	if err := idx.save(); err != nil {
		idx.mu.Unlock()
		return err
	}
	idx.mu.Unlock()

	if idx.OnNewHash != nil {
		idx.OnNewHash(node.Hash)
	}
	return nil
}

// addNodeDictTree inserts dict via AddNodeDict, then recurses into its
// children_detail entries if present. GetNode hands out a DIR/SRC subtree
// with every descendant's dict nested under children_detail in one
// response; this is what turns that single response into a fully
// populated local subtree instead of just its root node.
func (idx *Index) addNodeDictTree(dict map[string]interface{}) error {
	if err := idx.AddNodeDict(dict); err != nil {
		return err
	}

	raw, ok := dict["children_detail"]
	if !ok {
		return nil
	}
	children, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	for _, c := range children {
		cdict, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if err := idx.addNodeDictTree(cdict); err != nil {
			return err
		}
	}
	return nil
}

// GetNode is the core outbound serializer. Empty hash returns the root
// source list; a CHUNK hash returns verified raw bytes; anything else
// returns a serialized subtree, one level deep for FILE and fully
// recursive for DIR/SRC.
func (idx *Index) GetNode(hash string) ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if hash == "" {
		roots := []map[string]interface{}{}
		for _, n := range idx.nodes {
			if n.Type == TypeSRC {
				roots = append(roots, n.dump())
			}
		}
		return cborcanon.Marshal(roots)
	}

	n, ok := idx.nodes[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}

	if n.Type == TypeCHUNK {
		data, err := idx.chunks.Get(hash)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		if got := hasher.DataHash(n.Parent, data, false); got != hash {
			return nil, fmt.Errorf("%w: stored chunk %s re-hashed to %s", ErrHashMismatch, hash, got)
		}
		return data, nil
	}

	seen := make(map[string]struct{})
	dict := idx.serializeSubtree(n, true, seen)
	return cborcanon.Marshal(dict)
}

// serializeSubtree builds the dict-of-dicts representation of n. FILE only
// recurses into its children on the initial call (matching the
// add_file/get_node asymmetric-depth rule); DIR and SRC always recurse.
func (idx *Index) serializeSubtree(n *Node, initial bool, seen map[string]struct{}) map[string]interface{} {
	m := n.dump()
	if _, looped := seen[n.Hash]; looped {
		return m
	}
	seen[n.Hash] = struct{}{}

	if n.Type == TypeFILE && !initial {
		return m
	}

	childDicts := make([]map[string]interface{}, 0, len(n.Children))
	for _, ch := range n.Children {
		cn, ok := idx.nodes[ch]
		if !ok {
			continue
		}
		childDicts = append(childDicts, idx.serializeSubtree(cn, false, seen))
	}
	m["children_detail"] = childDicts
	return m
}

// GetNodeObj returns the in-memory Node for hash, or nil if not present.
// The returned value must not be mutated by the caller.
func (idx *Index) GetNodeObj(hash string) *Node {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.nodes[hash]
}

// GetChildren returns hash's direct children, optionally excluding CHUNKs.
func (idx *Index) GetChildren(hash string, includeChunks bool) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n, ok := idx.nodes[hash]
	if !ok {
		return nil
	}
	if includeChunks {
		out := make([]string, len(n.Children))
		copy(out, n.Children)
		return out
	}
	out := make([]string, 0, len(n.Children))
	for _, ch := range n.Children {
		if cn, ok := idx.nodes[ch]; ok && cn.Type != TypeCHUNK {
			out = append(out, ch)
		}
	}
	return out
}

// GetParentHashes returns the root-to-parent-inclusive ancestry of hash.
func (idx *Index) GetParentHashes(hash string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.ancestry(hash)
}

// CheckIsStored recomputes and memoizes IsStored for hash and every
// descendant, per invariant 5: true for a CHUNK iff its data exists and
// re-hashes correctly; true for FILE/DIR/SRC iff true for every child (an
// empty-children FILE is never considered stored).
func (idx *Index) CheckIsStored(hash string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.checkIsStoredLocked(hash, make(map[string]struct{}))
}

func (idx *Index) checkIsStoredLocked(hash string, seen map[string]struct{}) bool {
	n, ok := idx.nodes[hash]
	if !ok {
		return false
	}
	if _, looped := seen[hash]; looped {
		return n.IsStored
	}
	seen[hash] = struct{}{}

	switch n.Type {
	case TypeCHUNK:
		data, err := idx.chunks.Get(hash)
		stored := err == nil && hasher.DataHash(n.Parent, data, false) == hash
		n.IsStored = stored
		return stored
	case TypeFILE:
		if len(n.Children) == 0 {
			n.IsStored = false
			return false
		}
		fallthrough
	default: // DIR, SRC
		stored := true
		for _, ch := range n.Children {
			if !idx.checkIsStoredLocked(ch, seen) {
				stored = false
			}
		}
		n.IsStored = stored
		return stored
	}
}

// GetSourceChecksum returns the anti-entropy summary for sourceHash: the
// salt-free data hash of the UTF-8 encoding of the lexicographically
// sorted set of non-CHUNK descendant hashes.
func (idx *Index) GetSourceChecksum(sourceHash string) (string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n, ok := idx.nodes[sourceHash]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, sourceHash)
	}

	var descendants []string
	var walk func(*Node)
	walk = func(cur *Node) {
		for _, ch := range cur.Children {
			cn, ok := idx.nodes[ch]
			if !ok {
				continue
			}
			if cn.Type != TypeCHUNK {
				descendants = append(descendants, cn.Hash)
				walk(cn)
			}
		}
	}
	walk(n)
	sort.Strings(descendants)

	return hasher.DataHash("", []byte(strings.Join(descendants, "")), false), nil
}

// RemoveHash removes a non-SRC node, then cascades: any node whose parent
// is no longer present is swept in the same pass, and CHUNK removals also
// delete the backing chunk file.
func (idx *Index) RemoveHash(hash string) error {
	idx.mu.Lock()
	n, ok := idx.nodes[hash]
	if !ok {
		idx.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if n.Type == TypeSRC {
		idx.mu.Unlock()
		return fmt.Errorf("%w: refusing to delete SRC %s", ErrNotAuthorized, hash)
	}
	if p, ok := idx.nodes[n.Parent]; ok {
		kept := make([]string, 0, len(p.Children))
		for _, ch := range p.Children {
			if ch != hash {
				kept = append(kept, ch)
			}
		}
		p.Children = kept
	}
	delete(idx.nodes, hash)
	idx.cleanDataLocked()
	err := idx.save()
	idx.mu.Unlock()
	return err
}

// cleanDataLocked sweeps every node whose parent hash is no longer in the
// index, repeating until a fixed point, deleting CHUNK data files as their
// nodes are swept. Must be called with idx.mu held for write.
func (idx *Index) cleanDataLocked() {
	for {
		removedAny := false
		for hash, n := range idx.nodes {
			if n.Type == TypeSRC {
				continue
			}
			if _, ok := idx.nodes[n.Parent]; !ok {
				delete(idx.nodes, hash)
				if n.Type == TypeCHUNK {
					idx.chunks.Delete(hash)
				}
				removedAny = true
			}
		}
		if !removedAny {
			return
		}
	}
}
