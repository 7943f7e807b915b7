package models

// Entity describes a persisted type and the table that holds it.
type Entity struct {
	Name  string
	Table string
}

// Entities lists every persisted entity in dependency order (parents first).
var Entities = []Entity{
	{Name: "User", Table: "users"},
	{Name: "Session", Table: "sessions"},
	{Name: "FileRecord", Table: "file_records"},
}

// Tables returns the table names of the registered entities.
func Tables() []string {
	tables := make([]string, 0, len(Entities))
	for _, e := range Entities {
		tables = append(tables, e.Table)
	}
	return tables
}
