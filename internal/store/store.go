// Package store implements the Store (spec §4.2): a durable,
// transactional persistence layer for Pipes, Tasks, Resources, and
// FileResources, plus the secondary indexes (fingerprint, path, consumers)
// that the rest of the engine relies on.
//
// Realized on go.etcd.io/bbolt, a single-file embedded transactional KV
// store, matching spec §4.2's "a single-file relational database is the
// expected realization" while keeping the bucket-per-entity-type layout and
// durability-contract language of internal/recovery/state/store.go (the
// teacher's atomic run/checkpoint store): a Task is durable only once its
// enclosing bbolt transaction commits, and bbolt's own write-ahead
// durability makes the teacher's temp-file-then-rename dance unnecessary
// here — that pattern is kept instead in internal/vault and
// internal/batchlog, which write plain files outside the db.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"pipeweave/internal/model"
)

var (
	bucketPipes         = []byte("pipes")
	bucketPipesByIdent  = []byte("pipes_by_identity")
	bucketTasks         = []byte("tasks")
	bucketTasksByFP     = []byte("tasks_by_fingerprint")
	bucketResources     = []byte("resources")
	bucketFileResources = []byte("fileresources")
	bucketPathIndex     = []byte("fileresource_path_index")
	bucketConsumers     = []byte("consumers") // nodeID -> json []model.ID of consuming task ids

	allBuckets = [][]byte{
		bucketPipes, bucketPipesByIdent,
		bucketTasks, bucketTasksByFP,
		bucketResources, bucketFileResources, bucketPathIndex,
		bucketConsumers,
	}
)

// ErrNotFound is returned by single-entity lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the durable persistence layer described by spec §4.2.
type Store struct {
	db  *bolt.DB
	log *logrus.Entry
}

// Open opens (creating if necessary) the single-file database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, log: logrus.WithField("component", "store")}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("store: marshal %T: %v", v, err))
	}
	return b
}

// PutPipe persists pipe, idempotent by identity key: if a Pipe with the
// same IdentityKey already exists, its id is returned and the store is not
// mutated (spec §4.2 "idempotent by identity key").
func (s *Store) PutPipe(p model.Pipe) (model.ID, error) {
	var id model.ID
	err := s.db.Update(func(tx *bolt.Tx) error {
		ident := tx.Bucket(bucketPipesByIdent)
		if existing := ident.Get([]byte(p.IdentityKey)); existing != nil {
			id = model.ID(existing)
			return nil
		}
		if p.ID.Empty() {
			p.ID = model.NewID()
		}
		id = p.ID
		if err := tx.Bucket(bucketPipes).Put([]byte(p.ID), mustJSON(p)); err != nil {
			return err
		}
		return ident.Put([]byte(p.IdentityKey), []byte(p.ID))
	})
	return id, err
}

// GetPipe looks up a Pipe by id.
func (s *Store) GetPipe(id model.ID) (*model.Pipe, error) {
	var out model.Pipe
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPipes).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &out, nil
}

// GetPipeByIdentity looks up a Pipe by its identity key.
func (s *Store) GetPipeByIdentity(identityKey string) (*model.Pipe, error) {
	var id model.ID
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPipesByIdent).Get([]byte(identityKey))
		if raw != nil {
			id = model.ID(raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if id.Empty() {
		return nil, ErrNotFound
	}
	return s.GetPipe(id)
}

// TaskWrite bundles a Task together with the output Resource/FileResource
// rows it owns, so PutTask can write them all in one transaction
// (spec §4.2: "atomically writes the Task row and all owned output
// Resources and FileResources plus input edges").
type TaskWrite struct {
	Task          model.Task
	Resources     []model.Resource
	FileResources []model.FileResource

	// Overwrite lists FileResource ids that must be marked FlagOverwritten
	// in the same transaction (spec invariant 3: at most one non-overwritten
	// FileResource per path, kept true even across a crash mid-write).
	Overwrite []model.ID
}

// PutTask atomically writes t and its owned outputs, updates the
// fingerprint index, the fileresource path index, and the consumers index
// derived from t.Args. It is the sole place a Task becomes durable
// (spec §4.2 durability contract).
func (s *Store) PutTask(w TaskWrite) (model.ID, error) {
	if w.Task.ID.Empty() {
		w.Task.ID = model.NewID()
	}
	id := w.Task.ID

	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		byFP := tx.Bucket(bucketTasksByFP)
		resources := tx.Bucket(bucketResources)
		fileResources := tx.Bucket(bucketFileResources)
		pathIdx := tx.Bucket(bucketPathIndex)
		consumers := tx.Bucket(bucketConsumers)

		for _, oid := range w.Overwrite {
			raw := fileResources.Get([]byte(oid))
			if raw == nil {
				continue
			}
			var fr model.FileResource
			if err := json.Unmarshal(raw, &fr); err != nil {
				return err
			}
			fr.Info = fr.Info.With(model.FlagOverwritten, "")
			if err := fileResources.Put([]byte(fr.ID), mustJSON(fr)); err != nil {
				return err
			}
			if cur := pathIdx.Get([]byte(fr.Path)); cur != nil && model.ID(cur) == fr.ID {
				if err := pathIdx.Delete([]byte(fr.Path)); err != nil {
					return err
				}
			}
		}

		for i := range w.Resources {
			w.Resources[i].ProducingTaskID = id
			if w.Resources[i].ID.Empty() {
				w.Resources[i].ID = model.NewID()
			}
			if err := resources.Put([]byte(w.Resources[i].ID), mustJSON(w.Resources[i])); err != nil {
				return err
			}
		}
		for i := range w.FileResources {
			w.FileResources[i].ProducingTaskID = id
			if w.FileResources[i].ID.Empty() {
				w.FileResources[i].ID = model.NewID()
			}
			if err := fileResources.Put([]byte(w.FileResources[i].ID), mustJSON(w.FileResources[i])); err != nil {
				return err
			}
			if err := pathIdx.Put([]byte(w.FileResources[i].Path), []byte(w.FileResources[i].ID)); err != nil {
				return err
			}
		}

		w.Task.Outputs = make([]model.OutputRef, 0, len(w.Resources)+len(w.FileResources))
		for _, r := range w.Resources {
			w.Task.Outputs = append(w.Task.Outputs, model.OutputRef{Kind: model.OutputResource, ResourceID: r.ID})
		}
		for _, f := range w.FileResources {
			w.Task.Outputs = append(w.Task.Outputs, model.OutputRef{Kind: model.OutputFileResource, FileResourceID: f.ID})
		}

		if err := tasks.Put([]byte(id), mustJSON(w.Task)); err != nil {
			return err
		}
		if w.Task.Fingerprint != "" {
			if err := byFP.Put([]byte(w.Task.Fingerprint), []byte(id)); err != nil {
				return err
			}
		}

		for _, a := range w.Task.Args {
			var nodeID model.ID
			switch a.Kind {
			case model.ArgResource:
				nodeID = a.ResourceID
			case model.ArgFileResource:
				nodeID = a.FileResourceID
			default:
				continue
			}
			if err := addConsumer(consumers, nodeID, id); err != nil {
				return err
			}
		}
		return nil
	})
	return id, err
}

func addConsumer(b *bolt.Bucket, nodeID, taskID model.ID) error {
	var ids []model.ID
	if raw := b.Get([]byte(nodeID)); raw != nil {
		if err := json.Unmarshal(raw, &ids); err != nil {
			return err
		}
	}
	for _, existing := range ids {
		if existing == taskID {
			return nil
		}
	}
	ids = append(ids, taskID)
	return b.Put([]byte(nodeID), mustJSON(ids))
}

// GetTaskByFingerprint returns the Task with the given fingerprint, or
// ErrNotFound if none exists (spec §4.2 get_task_by_fingerprint).
func (s *Store) GetTaskByFingerprint(fp string) (*model.Task, error) {
	var id model.ID
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTasksByFP).Get([]byte(fp))
		if raw != nil {
			id = model.ID(raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if id.Empty() {
		return nil, ErrNotFound
	}
	return s.GetTask(id)
}

// GetTask looks up a Task by id.
func (s *Store) GetTask(id model.ID) (*model.Task, error) {
	var out model.Task
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTasks).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &out, nil
}

// ForEachTask calls fn once per persisted Task, in bbolt's key order
// (byte order of the random v4 UUID ids, which is not insertion order).
// fn returning an error aborts the scan and is returned unwrapped; Query
// (C9) and the rms maintenance operations use this full-table scan.
func (s *Store) ForEachTask(fn func(*model.Task) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, raw []byte) error {
			var t model.Task
			if err := json.Unmarshal(raw, &t); err != nil {
				return err
			}
			return fn(&t)
		})
	})
}

// GetResource looks up a Resource by id.
func (s *Store) GetResource(id model.ID) (*model.Resource, error) {
	var out model.Resource
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketResources).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &out, nil
}

// putResourceRaw rewrites a Resource row (used for info-flag mutation).
func (s *Store) putResourceRaw(r model.Resource) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).Put([]byte(r.ID), mustJSON(r))
	})
}

// ConsumeVolatileResource atomically checks and sets FlagConsumed on
// Resource id, reporting whether this call was the first to consume it
// (spec §9: a volatile Resource's payload may be read exactly once). The
// read-check-set happens inside one transaction so two concurrent readers
// can never both observe first == true.
func (s *Store) ConsumeVolatileResource(id model.ID) (first bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		resources := tx.Bucket(bucketResources)
		raw := resources.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var r model.Resource
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		first = r.MarkConsumed() && !r.Info.Has(model.FlagConsumed)
		if !first {
			return nil
		}
		r.Info = r.Info.With(model.FlagConsumed, "")
		return resources.Put([]byte(id), mustJSON(r))
	})
	return first, err
}

// GetFileResource looks up a FileResource by id.
func (s *Store) GetFileResource(id model.ID) (*model.FileResource, error) {
	var out model.FileResource
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketFileResources).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &out, nil
}

func (s *Store) putFileResourceRaw(f model.FileResource) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketFileResources).Put([]byte(f.ID), mustJSON(f)); err != nil {
			return err
		}
		if !f.Overwritten() {
			return tx.Bucket(bucketPathIndex).Put([]byte(f.Path), []byte(f.ID))
		}
		return nil
	})
}

// PutFileResourceStandalone persists a FileResource created outside of a
// Task's output set (externally registered files, spec §4.4 register_file).
func (s *Store) PutFileResourceStandalone(f model.FileResource) (model.ID, error) {
	if f.ID.Empty() {
		f.ID = model.NewID()
	}
	if err := s.putFileResourceRaw(f); err != nil {
		return "", err
	}
	return f.ID, nil
}

// GetFileResourceByPath returns the current non-overwritten FileResource at
// path, or ErrNotFound if there is none (spec §4.4 file_from_path).
func (s *Store) GetFileResourceByPath(path string) (*model.FileResource, error) {
	var id model.ID
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPathIndex).Get([]byte(path))
		if raw != nil {
			id = model.ID(raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if id.Empty() {
		return nil, ErrNotFound
	}
	fr, err := s.GetFileResource(id)
	if err != nil {
		return nil, err
	}
	if fr.Overwritten() {
		// Stale index entry (should not normally happen since
		// MarkOverwritten clears it); treat as absent.
		return nil, ErrNotFound
	}
	return fr, nil
}

// MarkOverwritten flags the FileResource id as overwritten and clears the
// path index entry pointing at it, so a subsequent GetFileResourceByPath at
// the same path reports absence until a new registration replaces it.
func (s *Store) MarkOverwritten(id model.ID) error {
	fr, err := s.GetFileResource(id)
	if err != nil {
		return err
	}
	fr.Info = fr.Info.With(model.FlagOverwritten, "")
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketFileResources).Put([]byte(fr.ID), mustJSON(*fr)); err != nil {
			return err
		}
		cur := tx.Bucket(bucketPathIndex).Get([]byte(fr.Path))
		if cur != nil && model.ID(cur) == fr.ID {
			return tx.Bucket(bucketPathIndex).Delete([]byte(fr.Path))
		}
		return nil
	})
}

// NodeKind discriminates a generic node lookup's result.
type NodeKind int

const (
	NodeUnknown NodeKind = iota
	NodeResourceKind
	NodeFileResourceKind
)

// GetNode looks up either a Resource or a FileResource by id, reporting
// which kind it found (spec §4.2 get_node).
func (s *Store) GetNode(id model.ID) (NodeKind, *model.Resource, *model.FileResource, error) {
	if r, err := s.GetResource(id); err == nil {
		return NodeResourceKind, r, nil, nil
	} else if !errors.Is(err, ErrNotFound) {
		return NodeUnknown, nil, nil, err
	}
	if f, err := s.GetFileResource(id); err == nil {
		return NodeFileResourceKind, nil, f, nil
	} else if !errors.Is(err, ErrNotFound) {
		return NodeUnknown, nil, nil, err
	}
	return NodeUnknown, nil, nil, ErrNotFound
}

// GetProducingTask returns the Task that produced node id (spec §4.2).
func (s *Store) GetProducingTask(nodeID model.ID) (*model.Task, error) {
	kind, r, f, err := s.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	var taskID model.ID
	switch kind {
	case NodeResourceKind:
		taskID = r.ProducingTaskID
	case NodeFileResourceKind:
		taskID = f.ProducingTaskID
	}
	if taskID.Empty() {
		return nil, ErrNotFound
	}
	return s.GetTask(taskID)
}

// GetConsumers returns the ids of Tasks whose bound arguments reference
// nodeID (spec §4.2 get_consumers).
func (s *Store) GetConsumers(nodeID model.ID) ([]model.ID, error) {
	var ids []model.ID
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketConsumers).Get([]byte(nodeID))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &ids)
	})
	return ids, err
}

// MarkInfo sets or clears flag on the entity id, which may be a Pipe, Task,
// Resource, or FileResource (spec §4.2 mark_info). Setting FlagObsolete
// additionally cascades it to every node and Task reachable forward from id
// via the consumers index, all inside the same transaction (data model
// invariant 4: "obsolescence is transitive along output edges").
func (s *Store) MarkInfo(id model.ID, flag model.InfoFlag, on bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		found, err := setEntityInfo(tx, id, flag, on)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if flag != model.FlagObsolete || !on {
			return nil
		}
		return cascadeObsolete(tx, id)
	})
}

// setEntityInfo applies flag to whichever bucket holds id, reporting
// whether an entity was found there at all.
func setEntityInfo(tx *bolt.Tx, id model.ID, flag model.InfoFlag, on bool) (bool, error) {
	if raw := tx.Bucket(bucketPipes).Get([]byte(id)); raw != nil {
		var p model.Pipe
		if err := json.Unmarshal(raw, &p); err != nil {
			return false, err
		}
		p.Info = applyFlag(p.Info, flag, on)
		return true, tx.Bucket(bucketPipes).Put([]byte(id), mustJSON(p))
	}
	if raw := tx.Bucket(bucketTasks).Get([]byte(id)); raw != nil {
		var t model.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return false, err
		}
		t.Info = applyFlag(t.Info, flag, on)
		return true, tx.Bucket(bucketTasks).Put([]byte(id), mustJSON(t))
	}
	if raw := tx.Bucket(bucketResources).Get([]byte(id)); raw != nil {
		var r model.Resource
		if err := json.Unmarshal(raw, &r); err != nil {
			return false, err
		}
		r.Info = applyFlag(r.Info, flag, on)
		return true, tx.Bucket(bucketResources).Put([]byte(id), mustJSON(r))
	}
	if raw := tx.Bucket(bucketFileResources).Get([]byte(id)); raw != nil {
		var f model.FileResource
		if err := json.Unmarshal(raw, &f); err != nil {
			return false, err
		}
		f.Info = applyFlag(f.Info, flag, on)
		return true, tx.Bucket(bucketFileResources).Put([]byte(id), mustJSON(f))
	}
	return false, nil
}

// cascadeObsolete walks forward from id via the consumers index, flagging
// every Task it reaches and that Task's own output nodes FlagObsolete in
// turn, mirroring query.Descendants' BFS shape but writing instead of
// collecting. The consumers index is keyed by node (Resource/FileResource)
// id, not Task id, so when id names a Task its own output nodes are
// flagged and seed the BFS frontier; when id names a node directly, the
// node itself seeds the frontier.
func cascadeObsolete(tx *bolt.Tx, id model.ID) error {
	tasks := tx.Bucket(bucketTasks)
	resources := tx.Bucket(bucketResources)
	fileResources := tx.Bucket(bucketFileResources)
	consumers := tx.Bucket(bucketConsumers)

	visitedNodes := map[model.ID]bool{}
	visitedTasks := map[model.ID]bool{}
	var frontier []model.ID

	if raw := tasks.Get([]byte(id)); raw != nil {
		var t model.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		visitedTasks[id] = true
		for _, o := range t.Outputs {
			outNode := o.NodeID()
			if outNode.Empty() || visitedNodes[outNode] {
				continue
			}
			visitedNodes[outNode] = true
			if err := flagOutputObsolete(resources, fileResources, o); err != nil {
				return err
			}
			frontier = append(frontier, outNode)
		}
	} else {
		visitedNodes[id] = true
		frontier = []model.ID{id}
	}

	for len(frontier) > 0 {
		var next []model.ID
		for _, node := range frontier {
			var consumerIDs []model.ID
			if raw := consumers.Get([]byte(node)); raw != nil {
				if err := json.Unmarshal(raw, &consumerIDs); err != nil {
					return err
				}
			}
			for _, taskID := range consumerIDs {
				if visitedTasks[taskID] {
					continue
				}
				visitedTasks[taskID] = true

				raw := tasks.Get([]byte(taskID))
				if raw == nil {
					continue
				}
				var t model.Task
				if err := json.Unmarshal(raw, &t); err != nil {
					return err
				}
				t.Info = applyFlag(t.Info, model.FlagObsolete, true)
				if err := tasks.Put([]byte(taskID), mustJSON(t)); err != nil {
					return err
				}

				for _, o := range t.Outputs {
					outNode := o.NodeID()
					if outNode.Empty() {
						continue
					}
					if err := flagOutputObsolete(resources, fileResources, o); err != nil {
						return err
					}
					if !visitedNodes[outNode] {
						visitedNodes[outNode] = true
						next = append(next, outNode)
					}
				}
			}
		}
		frontier = next
	}
	return nil
}

// flagOutputObsolete sets FlagObsolete on whichever row o.NodeID() names,
// a no-op if the row is already gone (e.g. garbage-collected).
func flagOutputObsolete(resources, fileResources *bolt.Bucket, o model.OutputRef) error {
	switch o.Kind {
	case model.OutputResource:
		raw := resources.Get([]byte(o.ResourceID))
		if raw == nil {
			return nil
		}
		var r model.Resource
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		r.Info = applyFlag(r.Info, model.FlagObsolete, true)
		return resources.Put([]byte(o.ResourceID), mustJSON(r))
	case model.OutputFileResource:
		raw := fileResources.Get([]byte(o.FileResourceID))
		if raw == nil {
			return nil
		}
		var f model.FileResource
		if err := json.Unmarshal(raw, &f); err != nil {
			return err
		}
		f.Info = applyFlag(f.Info, model.FlagObsolete, true)
		return fileResources.Put([]byte(o.FileResourceID), mustJSON(f))
	}
	return nil
}

func applyFlag(s model.InfoSet, flag model.InfoFlag, on bool) model.InfoSet {
	if on {
		return s.With(flag, "")
	}
	return s.Without(flag)
}

// FingerprintResolver returns a fingerprint.Resolver backed by this store.
func (s *Store) FingerprintResolver() *Resolver {
	return &Resolver{s: s}
}
