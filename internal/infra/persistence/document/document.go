// Package document defines the flat per-entity record shared by the
// document-oriented backends (mapstore, dynamo).
package document

import (
	"fmt"
	"time"

	"polygene/pkg/entity"
)

// NamedRef is one entry of a named association.
type NamedRef struct {
	Name     string `json:"name" dynamodbav:"name"`
	Identity string `json:"identity" dynamodbav:"identity"`
}

// Document is the stored form of one entity. Property values hold serialized
// text; Modified is unix milliseconds.
type Document struct {
	Identity          string                `json:"identity" dynamodbav:"identity"`
	Type              string                `json:"type" dynamodbav:"type"`
	Version           string                `json:"version" dynamodbav:"version"`
	AppVersion        string                `json:"application_version,omitempty" dynamodbav:"application_version,omitempty"`
	Modified          int64                 `json:"modified" dynamodbav:"modified"`
	Properties        map[string]string     `json:"properties,omitempty" dynamodbav:"properties,omitempty"`
	Associations      map[string]string     `json:"associations,omitempty" dynamodbav:"associations,omitempty"`
	ManyAssociations  map[string][]string   `json:"manyassociations,omitempty" dynamodbav:"manyassociations,omitempty"`
	NamedAssociations map[string][]NamedRef `json:"namedassociations,omitempty" dynamodbav:"namedassociations,omitempty"`
}

// Encode flattens snap, serializing every property value.
func Encode(serializer entity.ValueSerializer, snap entity.Snapshot, appVersion string) (Document, error) {
	doc := Document{
		Identity:   string(snap.Identity),
		Type:       snap.Type,
		Version:    string(snap.Version),
		AppVersion: appVersion,
		Modified:   snap.LastModified.UnixMilli(),
	}
	if len(snap.Properties) > 0 {
		doc.Properties = make(map[string]string, len(snap.Properties))
	}
	for name, v := range snap.Properties {
		text, err := serializer.Serialize(v)
		if err != nil {
			return Document{}, fmt.Errorf("property %s: %w", name, err)
		}
		doc.Properties[name] = text
	}
	if len(snap.Associations) > 0 {
		doc.Associations = make(map[string]string, len(snap.Associations))
	}
	for name, id := range snap.Associations {
		doc.Associations[name] = string(id)
	}
	if len(snap.ManyAssociations) > 0 {
		doc.ManyAssociations = make(map[string][]string, len(snap.ManyAssociations))
	}
	for name, ids := range snap.ManyAssociations {
		refs := make([]string, len(ids))
		for i, id := range ids {
			refs[i] = string(id)
		}
		doc.ManyAssociations[name] = refs
	}
	if len(snap.NamedAssociations) > 0 {
		doc.NamedAssociations = make(map[string][]NamedRef, len(snap.NamedAssociations))
	}
	for name, named := range snap.NamedAssociations {
		refs := make([]NamedRef, len(named))
		for i, ref := range named {
			refs[i] = NamedRef{Name: ref.Name, Identity: string(ref.Identity)}
		}
		doc.NamedAssociations[name] = refs
	}
	return doc, nil
}

// Decode rebuilds a LOADED state from doc using the descriptor module
// registers for doc.Type.
func Decode(serializer entity.ValueSerializer, module *entity.Module, doc Document) (*entity.State, error) {
	d, err := module.MustDescriptor(doc.Type)
	if err != nil {
		return nil, err
	}
	snap := entity.Snapshot{
		Identity:     entity.Identity(doc.Identity),
		Type:         doc.Type,
		Version:      entity.Version(doc.Version),
		LastModified: time.UnixMilli(doc.Modified).UTC(),
	}
	if len(doc.Properties) > 0 {
		snap.Properties = make(map[string]any, len(doc.Properties))
	}
	for name, text := range doc.Properties {
		v, err := serializer.Deserialize(module, d.KindOf(name), text)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", name, err)
		}
		snap.Properties[name] = v
	}
	if len(doc.Associations) > 0 {
		snap.Associations = make(map[string]entity.Identity, len(doc.Associations))
	}
	for name, ref := range doc.Associations {
		snap.Associations[name] = entity.Identity(ref)
	}
	if len(doc.ManyAssociations) > 0 {
		snap.ManyAssociations = make(map[string][]entity.Identity, len(doc.ManyAssociations))
	}
	for name, refs := range doc.ManyAssociations {
		ids := make([]entity.Identity, len(refs))
		for i, ref := range refs {
			ids[i] = entity.Identity(ref)
		}
		snap.ManyAssociations[name] = ids
	}
	if len(doc.NamedAssociations) > 0 {
		snap.NamedAssociations = make(map[string][]entity.NamedReference, len(doc.NamedAssociations))
	}
	for name, refs := range doc.NamedAssociations {
		named := make([]entity.NamedReference, len(refs))
		for i, ref := range refs {
			named[i] = entity.NamedReference{Name: ref.Name, Identity: entity.Identity(ref.Identity)}
		}
		snap.NamedAssociations[name] = named
	}
	return entity.FromSnapshot(snap, d), nil
}
