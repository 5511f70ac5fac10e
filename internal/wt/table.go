package wt

// Table names a record kind in the local store. The same name is used as the
// remote table.
type Table string

const (
	TableTimeEntries  Table = "time_entries"
	TableActivityLogs Table = "activity_logs"
	TableScreenshots  Table = "screenshots"
	TableAppUsage     Table = "app_usage"
)

// Tables lists every synced table in upload order. Time entries go first so
// rows referencing them by time_entry_id never arrive before their parent.
var Tables = []Table{TableTimeEntries, TableActivityLogs, TableAppUsage, TableScreenshots}

// Valid reports whether t is one of the known tables.
func (t Table) Valid() bool {
	switch t {
	case TableTimeEntries, TableActivityLogs, TableScreenshots, TableAppUsage:
		return true
	}
	return false
}

func (t Table) String() string { return string(t) }
