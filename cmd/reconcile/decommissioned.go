package reconcile

// DecommissionedConditions turns every decommissioned value of every column into a
// "source column <> value" filter. A NULL in a flagged column never marks a record as
// decommissioned, so each condition also admits NULL.
func DecommissionedConditions(m *TableMapping) []Condition {
	var conditions []Condition
	for _, c := range m.Columns {
		for _, raw := range c.DecommissionedValues {
			conditions = append(conditions, Condition{
				Column:       c.SourceColumnName,
				Operator:     OpNotEqual,
				Value:        ParseValue(c.SourceColumnType, raw),
				IncludeNulls: true,
			})
		}
	}
	return conditions
}
