package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"polygene/pkg/entity"
)

type propertyRow struct {
	name, value string
}

type associationRow struct {
	kind, name, label, reference string
	position                     int
}

type encoded struct {
	properties   []propertyRow
	associations []associationRow
}

func (s *Store) encode(snap entity.Snapshot) (encoded, error) {
	var enc encoded
	names := make([]string, 0, len(snap.Properties))
	for name := range snap.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		text, err := s.serializer.Serialize(snap.Properties[name])
		if err != nil {
			return encoded{}, err
		}
		enc.properties = append(enc.properties, propertyRow{name: name, value: text})
	}
	for name, id := range snap.Associations {
		enc.associations = append(enc.associations, associationRow{kind: kindOne, name: name, reference: string(id)})
	}
	for name, ids := range snap.ManyAssociations {
		for i, id := range ids {
			enc.associations = append(enc.associations, associationRow{kind: kindMany, name: name, position: i, reference: string(id)})
		}
	}
	for name, refs := range snap.NamedAssociations {
		for i, ref := range refs {
			enc.associations = append(enc.associations, associationRow{kind: kindNamed, name: name, position: i, label: ref.Name, reference: string(ref.Identity)})
		}
	}
	return enc, nil
}

type committer struct {
	store      *Store
	uow        string
	appVersion string
	changes    []entity.Change
	rows       []encoded
	done       bool
}

// Commit writes the batch in one transaction. UPDATE and DELETE are
// conditioned on the expected version; any miss rolls the whole batch back.
func (c *committer) Commit(ctx context.Context) (err error) {
	s := c.store
	if c.done {
		return entity.NewStoreError(s.dialect.Name, "commit", errors.New("batch already finished"))
	}
	c.done = true

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entity.NewStoreError(s.dialect.Name, "begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var conflicts []entity.Identity
	for i, ch := range c.changes {
		ok, err := c.apply(ctx, tx, ch, c.rows[i])
		if err != nil {
			return err
		}
		if !ok {
			conflicts = append(conflicts, ch.Identity())
		}
	}
	if len(conflicts) > 0 {
		s.logger.Warn("sql store commit conflict", "backend", s.dialect.Name, "unit_of_work", c.uow, "identities", conflicts)
		return &entity.ConcurrentModificationError{Identities: conflicts}
	}
	if err := tx.Commit(); err != nil {
		return entity.NewStoreError(s.dialect.Name, "commit", err)
	}
	committed = true
	s.logger.Debug("sql store commit", "backend", s.dialect.Name, "unit_of_work", c.uow, "changes", len(c.changes))
	return nil
}

func (c *committer) Cancel() { c.done = true }

// apply stages one change. It reports false when the expected version no
// longer matches.
func (c *committer) apply(ctx context.Context, tx *sql.Tx, ch entity.Change, enc encoded) (bool, error) {
	s := c.store
	id := string(ch.Identity())
	snap := ch.Snapshot
	switch ch.Status {
	case entity.StatusNew:
		var one int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM entities WHERE identity = ?`), id).Scan(&one)
		if err == nil {
			return false, &entity.AlreadyExistsError{Identity: ch.Identity()}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, entity.NewStoreError(s.dialect.Name, "insert", err)
		}
		if _, err := tx.ExecContext(ctx,
			s.rebind(`INSERT INTO entities (identity, type, version, app_version, modified) VALUES (?, ?, ?, ?, ?)`),
			id, snap.Type, string(snap.Version), c.appVersion, snap.LastModified.UnixMilli()); err != nil {
			return false, entity.NewStoreError(s.dialect.Name, "insert", err)
		}
		return true, c.writeChildren(ctx, tx, id, enc)
	case entity.StatusUpdated:
		res, err := tx.ExecContext(ctx,
			s.rebind(`UPDATE entities SET type = ?, version = ?, app_version = ?, modified = ? WHERE identity = ? AND version = ?`),
			snap.Type, string(snap.Version), c.appVersion, snap.LastModified.UnixMilli(), id, string(ch.Expected))
		if err != nil {
			return false, entity.NewStoreError(s.dialect.Name, "update", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return false, rowsErr(s, "update", err)
		}
		if err := c.deleteChildren(ctx, tx, id); err != nil {
			return false, err
		}
		return true, c.writeChildren(ctx, tx, id, enc)
	case entity.StatusRemoved:
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM entities WHERE identity = ? AND version = ?`), id, string(ch.Expected))
		if err != nil {
			return false, entity.NewStoreError(s.dialect.Name, "delete", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return false, rowsErr(s, "delete", err)
		}
		return true, c.deleteChildren(ctx, tx, id)
	}
	return true, nil
}

func rowsErr(s *Store, op string, err error) error {
	if err != nil {
		return entity.NewStoreError(s.dialect.Name, op, err)
	}
	return nil
}

func (c *committer) deleteChildren(ctx context.Context, tx *sql.Tx, id string) error {
	s := c.store
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM entity_properties WHERE identity = ?`), id); err != nil {
		return entity.NewStoreError(s.dialect.Name, "delete properties", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM entity_associations WHERE identity = ?`), id); err != nil {
		return entity.NewStoreError(s.dialect.Name, "delete associations", err)
	}
	return nil
}

func (c *committer) writeChildren(ctx context.Context, tx *sql.Tx, id string, enc encoded) error {
	s := c.store
	for _, p := range enc.properties {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO entity_properties (identity, name, value) VALUES (?, ?, ?)`),
			id, p.name, p.value); err != nil {
			return entity.NewStoreError(s.dialect.Name, "insert property", err)
		}
	}
	for _, a := range enc.associations {
		if _, err := tx.ExecContext(ctx,
			s.rebind(`INSERT INTO entity_associations (identity, kind, name, position, label, reference) VALUES (?, ?, ?, ?, ?, ?)`),
			id, a.kind, a.name, a.position, a.label, a.reference); err != nil {
			return entity.NewStoreError(s.dialect.Name, "insert association", err)
		}
	}
	return nil
}
