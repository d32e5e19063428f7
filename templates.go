package rls

import (
	"fmt"
	"sort"
)

// Template is a pre-built filter for a common access pattern. Templates are
// static data for policy authoring; evaluation never consults them.
type Template struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Columns     []string          `json:"columns"`
	Group       RLSConditionGroup `json:"filter_group"`
}

var templates = map[string]Template{
	"department_filter": {
		ID:          "department_filter",
		Name:        "Department filter",
		Description: "Rows whose department matches the user's department attribute.",
		Columns:     []string{"department"},
		Group:       And("department").UserAttr("department", OpEquals, "department").Build(),
	},
	"region_filter": {
		ID:          "region_filter",
		Name:        "Region filter",
		Description: "Rows in any of the user's regions.",
		Columns:     []string{"region"},
		Group:       And("region").UserAttr("region", OpIn, "region").Build(),
	},
	"owner_filter": {
		ID:          "owner_filter",
		Name:        "Owner filter",
		Description: "Rows owned by the requesting user.",
		Columns:     []string{"owner_id"},
		Group:       And("owner").UserAttr("owner_id", OpEquals, "user_id").Build(),
	},
	"team_hierarchy": {
		ID:          "team_hierarchy",
		Name:        "Team hierarchy",
		Description: "Rows belonging to one of the user's teams or managed by the user.",
		Columns:     []string{"team_id", "manager_id"},
		Group: Or("team").
			CustomAttr("team_id", OpIn, "team_ids").
			UserAttr("manager_id", OpEquals, "user_id").
			Build(),
	},
	"tenant_isolation": {
		ID:          "tenant_isolation",
		Name:        "Tenant isolation",
		Description: "Rows of the user's tenant only.",
		Columns:     []string{"tenant_id"},
		Group:       And("tenant").CustomAttr("tenant_id", OpEquals, "tenant_id").Build(),
	},
}

// Templates lists the built-in templates sorted by id.
func Templates() []Template {
	out := make([]Template, 0, len(templates))
	for _, t := range templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetTemplate returns a template by id.
func GetTemplate(id string) (Template, bool) {
	t, ok := templates[id]
	return t, ok
}

// Instantiate builds a policy from the template. columns renames template
// columns to the target table's columns; unknown keys are rejected.
func (t Template) Instantiate(id, name string, scope PolicyScope, roleIDs []string, columns map[string]string) (*RLSPolicy, error) {
	known := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		known[c] = true
	}
	for from := range columns {
		if !known[from] {
			return nil, fmt.Errorf("template %s has no column %q", t.ID, from)
		}
	}
	p := &RLSPolicy{
		ID:          id,
		Name:        name,
		Description: t.Description,
		Enabled:     true,
		Scope:       scope,
		RoleIDs:     append([]string(nil), roleIDs...),
		FilterGroup: renameGroup(t.Group, id, columns),
	}
	return p, nil
}

func renameGroup(g RLSConditionGroup, prefix string, columns map[string]string) RLSConditionGroup {
	out := RLSConditionGroup{ID: prefix + "-" + g.ID, Logic: g.Logic}
	for _, c := range g.Conditions {
		c.ID = prefix + "-" + c.ID
		if to, ok := columns[c.Column]; ok && to != "" {
			c.Column = to
		}
		out.Conditions = append(out.Conditions, c)
	}
	for _, sub := range g.Groups {
		out.Groups = append(out.Groups, renameGroup(sub, prefix, columns))
	}
	return out
}
