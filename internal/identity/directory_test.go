package identity

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"notifyrouter/internal/model"
)

func testDirectory() *Directory {
	return NewDirectory(Snapshot{
		Users: []User{
			{ID: "u2", DomainID: "d1"},
			{ID: "u1", DomainID: "d1"},
			{ID: "u3", DomainID: "d1", Disabled: true},
			{ID: "x1", DomainID: "d2"},
		},
		Projects: []Project{{ID: "p1", DomainID: "d1"}},
		Domains:  []Domain{{ID: "d1"}, {ID: "d2"}},
	})
}

func TestGetResource(t *testing.T) {
	t.Parallel()
	d := testDirectory()
	ctx := context.Background()

	tests := []struct {
		name    string
		typ     model.ResourceType
		id      string
		domain  string
		wantErr error
	}{
		{name: "user", typ: model.ResourceUser, id: "u1", domain: "d1"},
		{name: "user other tenant", typ: model.ResourceUser, id: "x1", domain: "d1", wantErr: model.ErrNotFound},
		{name: "project", typ: model.ResourceProject, id: "p1", domain: "d1"},
		{name: "missing project", typ: model.ResourceProject, id: "p9", domain: "d1", wantErr: model.ErrNotFound},
		{name: "domain", typ: model.ResourceDomain, id: "d2", domain: "d2"},
		{name: "foreign domain", typ: model.ResourceDomain, id: "d2", domain: "d1", wantErr: model.ErrNotFound},
		{name: "bad type", typ: "identity.Group", id: "g", domain: "d1", wantErr: model.ErrInvalidArgument},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.GetResource(ctx, tt.typ, tt.id, tt.domain)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestListEnabledUsers(t *testing.T) {
	t.Parallel()
	d := testDirectory()
	got, err := d.ListEnabledUsers(context.Background(), "d1")
	if err != nil {
		t.Fatalf("ListEnabledUsers: %v", err)
	}
	if want := []string{"u1", "u2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	d.Replace(Snapshot{Users: []User{{ID: "u9", DomainID: "d1"}}})
	got, _ = d.ListEnabledUsers(context.Background(), "d1")
	if !reflect.DeepEqual(got, []string{"u9"}) {
		t.Fatalf("after replace got %v", got)
	}
}
