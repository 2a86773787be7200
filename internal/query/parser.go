// Package query provides a small SQL-like query language over an entity
// type's registry-declared indexed fields, for callers (cmd/privstackd,
// pkg/api) that want ad hoc filtering beyond the exact-match
// entitystore.ListFilter.
package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Condition is one `field op value` predicate against an indexed field.
type Condition struct {
	Field string
	Op    string // "=", "!=", ">", ">=", "<", "<=", "LIKE"
	Value string
}

// OrderClause specifies one ORDER BY column.
type OrderClause struct {
	Field string
	Desc  bool
}

// Query is a parsed query string, resolved against one entity type's
// indexed_fields projection (internal/storage/entitystore).
type Query struct {
	EntityType *string
	Conditions []Condition
	OrderBy    []OrderClause
	Limit      int
	Offset     int
}

// Parser parses SQL-like query strings.
type Parser struct{}

// NewParser creates a new query parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse parses a query string of the form:
//
//	[SELECT * FROM <entity_type>] [WHERE <cond> [AND <cond> ...]] [ORDER BY <field> [DESC] [, ...]] [LIMIT n] [OFFSET n]
func (p *Parser) Parse(queryStr string) (*Query, error) {
	q := &Query{}
	queryStr = strings.TrimSpace(queryStr)

	if match := regexp.MustCompile(`(?i)^SELECT\s+\*\s+FROM\s+(\w+)\s*`).FindStringSubmatch(queryStr); match != nil {
		entityType := match[1]
		q.EntityType = &entityType
		queryStr = queryStr[len(match[0]):]
	}

	whereMatch := regexp.MustCompile(`(?i)^WHERE\s+(.+?)(?:\s+ORDER\s+BY|\s+LIMIT|\s+OFFSET|$)`).FindStringSubmatch(queryStr)
	if whereMatch != nil {
		if err := p.parseWhere(whereMatch[1], q); err != nil {
			return nil, err
		}
	}

	if orderMatch := regexp.MustCompile(`(?i)ORDER\s+BY\s+(.+?)(?:\s+LIMIT|\s+OFFSET|$)`).FindStringSubmatch(queryStr); orderMatch != nil {
		q.OrderBy = p.parseOrderBy(orderMatch[1])
	}

	if limitMatch := regexp.MustCompile(`(?i)LIMIT\s+(\d+)`).FindStringSubmatch(queryStr); limitMatch != nil {
		q.Limit, _ = strconv.Atoi(limitMatch[1])
	}

	if offsetMatch := regexp.MustCompile(`(?i)OFFSET\s+(\d+)`).FindStringSubmatch(queryStr); offsetMatch != nil {
		q.Offset, _ = strconv.Atoi(offsetMatch[1])
	}

	return q, nil
}

func (p *Parser) parseWhere(whereClause string, q *Query) error {
	conditions := regexp.MustCompile(`(?i)\s+AND\s+`).Split(whereClause, -1)
	for _, cond := range conditions {
		cond = strings.TrimSpace(cond)
		if cond == "" {
			continue
		}
		if err := p.parseCondition(cond, q); err != nil {
			return err
		}
	}
	return nil
}

var conditionRe = regexp.MustCompile(`(?i)^(\w+)\s*(=|!=|>=|<=|>|<|LIKE)\s*['"]?(.+?)['"]?$`)

func (p *Parser) parseCondition(cond string, q *Query) error {
	cond = strings.TrimSpace(strings.Trim(cond, "()"))

	match := conditionRe.FindStringSubmatch(cond)
	if match == nil {
		return fmt.Errorf("unrecognized condition: %q", cond)
	}
	field, op, value := match[1], strings.ToUpper(match[2]), match[3]

	if strings.EqualFold(field, "type") {
		q.EntityType = &value
		return nil
	}

	q.Conditions = append(q.Conditions, Condition{Field: field, Op: op, Value: value})
	return nil
}

func (p *Parser) parseOrderBy(orderClause string) []OrderClause {
	var clauses []OrderClause
	for _, part := range strings.Split(orderClause, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		clause := OrderClause{Field: fields[0]}
		if len(fields) > 1 && strings.EqualFold(fields[1], "DESC") {
			clause.Desc = true
		}
		clauses = append(clauses, clause)
	}
	return clauses
}

// ToSQL renders q's WHERE/ORDER BY/LIMIT/OFFSET clause against an
// entitystore table, comparing json_extract(indexed_fields, '$.field')
// rather than a fixed column set, since every entity type projects a
// different set of indexed fields.
func (q *Query) ToSQL() (string, []interface{}) {
	var conditions []string
	var args []interface{}

	for _, c := range q.Conditions {
		col := fmt.Sprintf("json_extract(indexed_fields, '$.%s')", c.Field)
		switch c.Op {
		case "LIKE":
			conditions = append(conditions, col+" LIKE ?")
			args = append(args, c.Value)
		default:
			conditions = append(conditions, col+" "+c.Op+" ?")
			args = append(args, coerceValue(c.Value))
		}
	}

	sql := ""
	if len(conditions) > 0 {
		sql = "WHERE " + strings.Join(conditions, " AND ")
	}

	if len(q.OrderBy) > 0 {
		var orderParts []string
		for _, o := range q.OrderBy {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			orderParts = append(orderParts, fmt.Sprintf("json_extract(indexed_fields, '$.%s') %s", o.Field, dir))
		}
		sql += " ORDER BY " + strings.Join(orderParts, ", ")
	}

	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	return sql, args
}

// coerceValue converts a textual condition value to a number or unix
// timestamp when it looks like one, since indexed numeric/datetime
// fields are stored as their native JSON type and a text comparison
// against them would never match.
func coerceValue(value string) interface{} {
	if n, err := strconv.ParseFloat(value, 64); err == nil {
		return n
	}
	if ts, err := strconv.ParseInt(value, 10, 64); err == nil {
		return ts
	}
	for _, format := range []string{"2006-01-02", "2006-01-02T15:04:05", time.RFC3339} {
		if t, err := time.Parse(format, value); err == nil {
			return t.Unix()
		}
	}
	return value
}
