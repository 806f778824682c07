package ux

import "strings"

// PartitionPlaceholder is shown for tables without partitions.
const PartitionPlaceholder = "—"

// ParseTablePartition splits "schema.table[partition]" into the table part
// and the partition. Input without valid bracket syntax is returned as is.
func ParseTablePartition(identifier string) (table, partition string) {
	if !strings.HasSuffix(identifier, "]") {
		return identifier, ""
	}
	i := strings.LastIndex(identifier, "[")
	if i <= 0 {
		return identifier, ""
	}
	return identifier[:i], identifier[i+1 : len(identifier)-1]
}

// ValidatePartitionSyntax accepts plain table names and "table[partition]"
// with exactly one bracket pair at the end and content on both sides.
func ValidatePartitionSyntax(identifier string) bool {
	if identifier == "" {
		return false
	}
	open, closing := strings.Count(identifier, "["), strings.Count(identifier, "]")
	if open == 0 && closing == 0 {
		return true
	}
	if open != 1 || closing != 1 || !strings.HasSuffix(identifier, "]") {
		return false
	}
	i := strings.Index(identifier, "[")
	return i > 0 && i < len(identifier)-2
}

// PartitionDisplay renders a partition for table cells.
func PartitionDisplay(partition string) string {
	if p := strings.TrimSpace(partition); p != "" {
		return p
	}
	return PartitionPlaceholder
}

// TableDisplay renders schema.table, omitting the doc schema, followed by
// partition values when present.
func TableDisplay(schema, table, partitionValues string) string {
	name := table
	if schema != "" && schema != "doc" {
		name = schema + "." + table
	}
	if partitionValues != "" && partitionValues != "NULL" {
		return name + " " + partitionValues
	}
	return name
}
