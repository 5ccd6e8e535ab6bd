package store

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"pipeweave/internal/model"
)

// AllTasks returns every committed Task as a slice. Ordering is not
// significant; callers sort as needed.
func (s *Store) AllTasks() ([]model.Task, error) {
	var out []model.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var t model.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	return out, err
}

// AllPipes returns every registered Pipe.
func (s *Store) AllPipes() ([]model.Pipe, error) {
	var out []model.Pipe
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPipes).ForEach(func(_, v []byte) error {
			var p model.Pipe
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}
