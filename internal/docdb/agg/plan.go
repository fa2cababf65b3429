package agg

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/docxology/docdb/internal/docdb/jsonpath"
	"github.com/docxology/docdb/internal/docdb/predicate"
)

// PlannerPolicy carries the planner's tuning knobs as explicit fields
// threaded through planning instead of a process-wide toggle.
type PlannerPolicy struct {
	// ForceStream makes every stage plan as STREAM, bypassing SQL
	// fusion entirely. Useful for testing the streaming evaluator
	// against the same pipelines the SQL path handles. $lookup and
	// $facet are exempt: both are materialization stages with no
	// in-process equivalent, so they keep their TEMP classification
	// (the flag must not affect correctness).
	ForceStream bool
	// BusyTimeout is set as the SQLite busy_timeout pragma by
	// engine.Open when the database is opened; neither the planner nor
	// exec reads it.
	BusyTimeout time.Duration
}

// StepKind tags a plan step's execution mode.
type StepKind int

const (
	KindSQL StepKind = iota
	KindTemp
	KindStream
)

func (k StepKind) String() string {
	switch k {
	case KindSQL:
		return "SQL"
	case KindTemp:
		return "TEMP"
	case KindStream:
		return "STREAM"
	default:
		return "UNKNOWN"
	}
}

// Step is one entry in an execution plan.
type Step struct {
	Kind StepKind

	// SQL/TEMP fields.
	SQL  string
	Args []any

	// TEMP-only: the deterministic name to materialize SQL's result
	// under.
	TempName string

	// The stage a STREAM step's in-process evaluator applies, or (for a
	// KindTemp step produced from a LookupStage) the join to compile
	// into a correlated subselect against the TEMP materialization.
	Stage Stage

	// Facet-only: named sub-plans to run and combine (populated only
	// for a StepKind==KindTemp step produced from a FacetStage; a
	// KindTemp step produced from a LookupStage has Stage set instead).
	Facets map[string][]Step
}

// Planner compiles a pipeline against one base collection table.
type Planner struct {
	tr     *jsonpath.Translator
	pc     *predicate.Compiler
	text   predicate.TextIndexLookup
	table  string
	policy PlannerPolicy

	pipelineID string
	seq        int

	// noImplicitBase suppresses the synthesized base-table SELECT for
	// sub-planners whose steps are fed rows by the executor ($facet
	// sub-pipelines); a base scan there would override the input.
	noImplicitBase bool
}

// NewPlanner builds a Planner for table, using tr/pc for predicate and
// path translation and text for $text index coverage lookups.
func NewPlanner(tr *jsonpath.Translator, pc *predicate.Compiler, text predicate.TextIndexLookup, table string, policy PlannerPolicy) *Planner {
	return &Planner{tr: tr, pc: pc, text: text, table: table, policy: policy}
}

// Plan produces an ordered step list for pipeline, fusing adjacent
// SQL-capable stages and falling back to STREAM for anything the
// compiler or the stage classifier can't resolve.
func (p *Planner) Plan(pipelineID string, pipeline []map[string]any) ([]Step, error) {
	p.pipelineID = pipelineID
	p.seq = 0
	stages, err := ParsePipeline(pipeline)
	if err != nil {
		return nil, err
	}

	var steps []Step
	// cur accumulates a fused SQL SELECT against the previous source
	// (base table to start); flushed to a Step whenever a stage can't
	// fuse further.
	cur := p.baseSelect()

	flush := func() {
		if cur.sql == "" {
			if len(steps) == 0 && !p.noImplicitBase {
				// Nothing has fed the pipeline any rows yet: the first
				// stage here is one that can't fuse (e.g. a leading
				// streamed $project), so synthesize the implicit base
				// select.
				steps = append(steps, Step{Kind: KindSQL, SQL: fmt.Sprintf("SELECT id, _id, data FROM %s", quoteIdent(p.table))})
			}
			return
		}
		steps = append(steps, Step{Kind: KindSQL, SQL: cur.render(), Args: cur.renderArgs()})
		cur = p.baseSelect()
	}

	source := "SQL" // "SQL" (cur builder has the rows), "TEMP:<name>", or "STREAM"

	for i, stage := range stages {
		if p.policy.ForceStream {
			switch stage.(type) {
			case LookupStage, FacetStage:
				// Materialization stages fall through to their normal
				// classification below.
			default:
				flush()
				steps = append(steps, Step{Kind: KindStream, Stage: stage})
				source = "STREAM"
				continue
			}
		}
		switch s := stage.(type) {
		case MatchStage:
			res, err := p.pc.Compile(s.Filter)
			if err != nil {
				return nil, err
			}
			// The compiled WHERE binds against the physical data/id
			// columns, so it can only join a SELECT whose rows are still
			// the base table's: no fused unwind/group rewrite in front of
			// it, and no LIMIT/OFFSET already applied (SQL evaluates
			// WHERE before LIMIT, the pipeline applies them in stage
			// order).
			if res.Resolved() && source == "SQL" && cur.fusesFilters() {
				cur.and(res.Where.SQL, res.Where.Args)
				continue
			}
			if res.Resolved() {
				flush()
				steps = append(steps, Step{Kind: KindStream, Stage: MatchStage{Filter: s.Filter}})
				source = "STREAM"
				continue
			}
			// Unresolved predicate: only the streaming evaluator can
			// apply the untranslated half.
			flush()
			steps = append(steps, Step{Kind: KindStream, Stage: s})
			source = "STREAM"

		case ProjectStage, AddFieldsStage, UnsetStage:
			// Document rewrites run in the stream tier: the predicate
			// compiler and sort both bind to the physical data column,
			// so a SQL-side projection would cut every later stage off
			// from it.
			if source == "SQL" {
				flush()
			}
			steps = append(steps, Step{Kind: KindStream, Stage: stage})
			source = "STREAM"

		case SortStage:
			if source == "SQL" && !cur.limitSet && !cur.offsetSet {
				cur.orderBy(s.Keys, p.tr)
				continue
			}
			flush()
			steps = append(steps, Step{Kind: KindStream, Stage: s})
			source = "STREAM"

		case SkipStage:
			// Fusable only while no LIMIT or OFFSET is set: SQL applies
			// OFFSET before LIMIT, so a $limit..$skip sequence can't
			// collapse into one clause, and a second $skip would replace
			// the first one's OFFSET instead of adding to it.
			if source == "SQL" && !cur.limitSet && !cur.offsetSet {
				cur.skip(s.N)
				continue
			}
			flush()
			steps = append(steps, Step{Kind: KindStream, Stage: s})
			source = "STREAM"

		case LimitStage:
			if source == "SQL" {
				cur.limit(s.N)
				continue
			}
			flush()
			steps = append(steps, Step{Kind: KindStream, Stage: s})
			source = "STREAM"

		case CountStage:
			if source == "SQL" {
				cur.count(s.Field)
				flush()
				// The count row is in memory now; anything after a
				// $count consumes it in process.
				source = "STREAM"
				continue
			}
			flush()
			steps = append(steps, Step{Kind: KindStream, Stage: s})
			source = "STREAM"

		case SampleStage:
			if source == "SQL" && cur.order == "" && !cur.limitSet && !cur.offsetSet {
				cur.sample(s.N)
				continue
			}
			flush()
			steps = append(steps, Step{Kind: KindStream, Stage: s})
			source = "STREAM"

		case UnwindStage:
			if source == "SQL" && !s.PreserveNullAndEmptyArrays && s.IncludeArrayIndex == "" && cur.fusesRows() {
				if cur.unwind(s.Path, p.tr) {
					continue
				}
			}
			flush()
			steps = append(steps, Step{Kind: KindStream, Stage: s})
			source = "STREAM"

		case GroupStage:
			if source == "SQL" && cur.fusesRows() && !cur.grouped {
				if cur.group(s, p.tr) {
					continue
				}
			}
			flush()
			steps = append(steps, Step{Kind: KindStream, Stage: s})
			source = "STREAM"

		case LookupStage:
			// Position-independent: always materializable via a
			// correlated subselect producing a json_group_array, so it
			// runs as a TEMP step regardless of the current source
			// rather than ever falling back to STREAM.
			flush()
			name := p.tempName(i, stage)
			steps = append(steps, Step{Kind: KindTemp, TempName: name, Stage: s})
			source = "TEMP:" + name

		case FacetStage:
			flush()
			facetSteps := map[string][]Step{}
			// Sub-pipelines consume the rows the prefix already
			// produced, so they plan against the executor's in-memory
			// input (ForceStream) rather than re-scanning the base
			// table.
			subPolicy := p.policy
			subPolicy.ForceStream = true
			for name, sub := range s.Pipelines {
				sp := NewPlanner(p.tr, p.pc, p.text, p.table, subPolicy)
				sp.noImplicitBase = true
				fs, err := sp.Plan(fmt.Sprintf("%s_facet_%s", pipelineID, name), sub)
				if err != nil {
					return nil, err
				}
				facetSteps[name] = fs
			}
			name := p.tempName(i, stage)
			steps = append(steps, Step{Kind: KindTemp, TempName: name, Facets: facetSteps})
			source = "TEMP:" + name

		case TextStage:
			if p.text != nil {
				if table, ok := p.text.MatchText(s.Fields, s.Search); ok {
					sql := fmt.Sprintf("id IN (SELECT rowid FROM %s WHERE %s MATCH ?)", quoteIdent(table), quoteIdent(table))
					if source == "SQL" && cur.fusesFilters() {
						cur.and(sql, []any{s.Search})
						continue
					}
				}
			}
			// Hybrid path: split prefix (already flushed)/stream/suffix.
			flush()
			steps = append(steps, Step{Kind: KindStream, Stage: s})
			source = "STREAM"

		default:
			flush()
			steps = append(steps, Step{Kind: KindStream, Stage: stage})
			source = "STREAM"
		}
	}
	flush()
	if len(steps) == 0 && !p.noImplicitBase {
		steps = append(steps, Step{Kind: KindSQL, SQL: fmt.Sprintf("SELECT id, _id, data FROM %s", quoteIdent(p.table))})
	}
	return steps, nil
}

func (p *Planner) baseSelect() selectBuilder {
	return selectBuilder{table: p.table}
}

// tempName derives a deterministic tmp_<H>_<n> name from a stable hash
// of the pipeline id, stage index, and canonicalized stage value, so
// identical pipelines reuse the store's compiled-query cache.
func (p *Planner) tempName(stageIndex int, stage Stage) string {
	p.seq++
	h, err := hashstructure.Hash(struct {
		Pipeline string
		Index    int
		Stage    Stage
	}{p.pipelineID, stageIndex, stage}, hashstructure.FormatV2, nil)
	if err != nil {
		h = uint64(stageIndex)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", p.pipelineID, stageIndex, h)))
	return fmt.Sprintf("tmp_%s_%d", hex.EncodeToString(sum[:8]), p.seq)
}

// unwindClause is one fused $unwind: a json_each FROM-extension plus
// the json_set rewrite injecting its value back at the unwound path.
type unwindClause struct {
	alias   string // je0, je1, ...
	srcSQL  string // the expression json_each walks: base data, or a prior clause's value
	pathLit string // JSON path literal relative to srcSQL
	fullLit string // JSON path literal relative to the data column (json_set target)
	path    string // the original dotted path
}

// selectBuilder incrementally assembles one fused T1 SELECT. limit and
// offset are tracked as separate fields (rather than one pre-rendered
// LIMIT/OFFSET string) so a $skip fused before a $limit composes into
// one clause instead of one call clobbering the other. A $skip after a
// fused $limit does not fuse (see Plan).
type selectBuilder struct {
	table   string
	sql     string
	where   []string
	whereAr []any
	order   string

	unwinds []unwindClause
	// unwindWhere holds filters that reference the json_each aliases
	// and so must apply outside the pre-unwind subquery b.where wraps
	// into.
	unwindWhere []string

	grouped    bool
	groupIDSQL string
	groupPairs []string // rendered "'name', ACC(expr)" json_object arguments

	countField string

	limitSet  bool
	limitN    int64
	offsetSet bool
	offsetN   int64
}

// fusesFilters reports whether a compiled WHERE fragment (which binds
// the physical data/id columns) can still join this SELECT.
func (b *selectBuilder) fusesFilters() bool {
	return !b.grouped && len(b.unwinds) == 0 && !b.limitSet && !b.offsetSet
}

// fusesRows reports whether a row-multiplying or row-collapsing stage
// ($unwind, $group) can still fuse: nothing may already have reordered
// or truncated the row set.
func (b *selectBuilder) fusesRows() bool {
	return !b.grouped && b.countField == "" && b.order == "" && !b.limitSet && !b.offsetSet
}

func (b *selectBuilder) ensureBase() {
	if b.sql == "" {
		b.sql = "base"
	}
}

// dataExpr is the SELECT's document expression: the data column,
// rewritten by each fused $unwind to inject the unwound element back at
// its path. With unwinds in play the pre-unwind rows live in a subquery
// aliased "base" (see renderCore), so the column is qualified.
func (b *selectBuilder) dataExpr() string {
	expr := "data"
	if len(b.unwinds) > 0 {
		expr = "base.data"
	}
	for _, u := range b.unwinds {
		expr = fmt.Sprintf("json_set(%s, '%s', %s.value)", expr, u.fullLit, u.alias)
	}
	return expr
}

// renderArgs returns the bound parameters in the same order render
// emits their placeholders: WHERE clauses first, then LIMIT/OFFSET.
func (b *selectBuilder) renderArgs() []any {
	_, limArgs := b.limitOffsetClause()
	args := make([]any, 0, len(b.whereAr)+len(limArgs))
	args = append(args, b.whereAr...)
	args = append(args, limArgs...)
	return args
}

// limitOffsetClause renders the trailing LIMIT/OFFSET SQL and its bound
// args together, since SQLite only accepts OFFSET following a LIMIT: a
// skip() with no limit() uses the unbounded LIMIT -1 sentinel so the
// OFFSET still applies.
func (b *selectBuilder) limitOffsetClause() (string, []any) {
	switch {
	case b.limitSet && b.offsetSet:
		return "LIMIT ? OFFSET ?", []any{b.limitN, b.offsetN}
	case b.limitSet:
		return "LIMIT ?", []any{b.limitN}
	case b.offsetSet:
		return "LIMIT -1 OFFSET ?", []any{b.offsetN}
	default:
		return "", nil
	}
}

func (b *selectBuilder) and(sql string, args []any) {
	b.ensureBase()
	b.where = append(b.where, sql)
	b.whereAr = append(b.whereAr, args...)
}

func (b *selectBuilder) orderBy(keys []SortKey, tr *jsonpath.Translator) {
	b.ensureBase()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var expr string
		if b.grouped {
			// Group output keeps everything (its _id included) inside
			// the data JSON; the sort runs in a wrapping SELECT whose
			// data column is the grouped projection.
			e, err := groupedKeySQL(tr, k.Field)
			if err != nil {
				continue
			}
			expr = e
		} else {
			ext, err := tr.Extract(b.dataExpr(), k.Field)
			if err != nil {
				continue
			}
			expr = ext.SQL
		}
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts = append(parts, expr+" "+dir)
	}
	b.order = strings.Join(parts, ", ")
}

// groupedKeySQL renders a sort key against a grouped row's data JSON,
// including the _id key json_object put there (the dedicated _id column
// is NULL on grouped rows).
func groupedKeySQL(tr *jsonpath.Translator, field string) (string, error) {
	ext, err := tr.Extract("data", field)
	if err != nil {
		return "", err
	}
	if ext.Base != "_id" {
		return ext.SQL, nil
	}
	lit := "$._id"
	if ext.Path != "$" {
		lit += ext.Path[1:]
	}
	return fmt.Sprintf("json_extract(data, '%s')", lit), nil
}

func (b *selectBuilder) skip(n int64) {
	b.ensureBase()
	b.offsetSet = true
	b.offsetN = n
}

func (b *selectBuilder) limit(n int64) {
	b.ensureBase()
	if b.limitSet && b.limitN < n {
		return
	}
	b.limitSet = true
	b.limitN = n
}

func (b *selectBuilder) sample(n int64) {
	b.ensureBase()
	b.order = "RANDOM()"
	b.limitSet = true
	b.limitN = n
}

func (b *selectBuilder) count(field string) {
	b.ensureBase()
	b.countField = field
}

// unwind fuses a simple $unwind as a json_each FROM-extension plus a
// json_set projection rewrite. A path nested under a
// previously fused unwind chains off that clause's value; an
// independent path walks the base data column (the cross product of the
// two arrays, which is what consecutive unwinds produce). Reports false
// when the path can't be expressed (an _id-rooted path).
func (b *selectBuilder) unwind(path string, tr *jsonpath.Translator) bool {
	ext, err := tr.Extract("data", path)
	if err != nil || ext.Base != "data" {
		return false
	}
	b.ensureBase()

	src := "base.data"
	pathLit := ext.Path
	for i := len(b.unwinds) - 1; i >= 0; i-- {
		u := b.unwinds[i]
		if strings.HasPrefix(path, u.path+".") {
			rel, err := tr.Extract("data", strings.TrimPrefix(path, u.path+"."))
			if err != nil {
				return false
			}
			src = u.alias + ".value"
			pathLit = rel.Path
			break
		}
	}

	alias := fmt.Sprintf("je%d", len(b.unwinds))
	b.unwinds = append(b.unwinds, unwindClause{
		alias:   alias,
		srcSQL:  src,
		pathLit: pathLit,
		fullLit: ext.Path,
		path:    path,
	})
	// json_each yields one row for a scalar and none for a missing
	// path, both matching the stage's semantics; an explicit null would
	// otherwise survive as a single null element, so it is filtered.
	b.unwindWhere = append(b.unwindWhere, fmt.Sprintf("json_type(%s, '%s') IS NOT 'null'", src, pathLit))
	return true
}

// group fuses a $group whose _id and accumulators are all expressible
// as SQL aggregates. Reports false when any part falls outside the
// supported set, leaving the stage to the streaming evaluator.
func (b *selectBuilder) group(s GroupStage, tr *jsonpath.Translator) bool {
	idSQL, ok := b.groupExprSQL(s.ID, tr)
	if !ok {
		return false
	}
	fields := make([]string, 0, len(s.Accumulators))
	for f := range s.Accumulators {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	pairs := make([]string, 0, len(fields))
	for _, f := range fields {
		acc := s.Accumulators[f]
		expr, ok := b.groupExprSQL(acc.Expr, tr)
		if !ok {
			return false
		}
		var aggSQL string
		switch acc.Op {
		case "$sum":
			aggSQL = "SUM(" + expr + ")"
		case "$avg":
			aggSQL = "AVG(" + expr + ")"
		case "$min":
			aggSQL = "MIN(" + expr + ")"
		case "$max":
			aggSQL = "MAX(" + expr + ")"
		case "$push":
			aggSQL = "json_group_array(" + expr + ")"
		case "$addToSet":
			aggSQL = "json_group_array(DISTINCT " + expr + ")"
		default:
			// $first/$last depend on input order, which GROUP BY
			// discards; they stay in the streaming evaluator.
			return false
		}
		pairs = append(pairs, sqlQuote(f)+", "+aggSQL)
	}

	b.ensureBase()
	b.grouped = true
	b.groupIDSQL = idSQL
	b.groupPairs = pairs
	return true
}

// groupExprSQL renders a $group expression operand: nil, a numeric
// literal, or a "$path" field reference resolved against the current
// document expression (so grouping on a fused-unwind value works).
func (b *selectBuilder) groupExprSQL(expr any, tr *jsonpath.Translator) (string, bool) {
	switch e := expr.(type) {
	case nil:
		return "NULL", true
	case float64:
		return strconv.FormatFloat(e, 'g', -1, 64), true
	case string:
		if !strings.HasPrefix(e, "$") {
			return sqlQuote(e), true
		}
		ext, err := tr.Extract(b.dataExpr(), e[1:])
		if err != nil {
			return "", false
		}
		return ext.SQL, true
	default:
		return "", false
	}
}

func (b *selectBuilder) render() string {
	core := b.renderCore()
	out := core
	if b.grouped && (b.order != "" || b.limitSet || b.offsetSet) {
		out = "SELECT id, _id, data FROM (" + core + ")"
	}
	if b.order != "" {
		out += " ORDER BY " + b.order
	}
	if clause, _ := b.limitOffsetClause(); clause != "" {
		out += " " + clause
	}
	if b.countField != "" {
		out = fmt.Sprintf("SELECT 0 AS id, NULL AS _id, json_object(%s, COUNT(*)) AS data FROM (%s)", sqlQuote(b.countField), out)
	}
	return out
}

// renderCore renders the SELECT ... FROM ... WHERE ... [GROUP BY]
// portion, before any ORDER BY/LIMIT/count wrapping. With fused unwinds
// the pre-unwind SELECT (base columns plus any fused $match WHERE)
// nests into a subquery aliased "base": json_each exposes its own id
// column, and predicate fragments bind the bare id/data names, so the
// join and the filter can't share one scope.
func (b *selectBuilder) renderCore() string {
	tbl := quoteIdent(b.table)

	groupSel := func() string {
		obj := "'_id', " + b.groupIDSQL
		for _, p := range b.groupPairs {
			obj += ", " + p
		}
		return fmt.Sprintf("SELECT 0 AS id, NULL AS _id, json_object(%s) AS data", obj)
	}

	if len(b.unwinds) == 0 {
		var sel string
		if b.grouped {
			sel = groupSel()
		} else {
			sel = "SELECT id, _id, data"
		}
		sqlStr := sel + " FROM " + tbl
		if len(b.where) > 0 {
			sqlStr += " WHERE " + strings.Join(wrap(b.where), " AND ")
		}
		if b.grouped {
			sqlStr += " GROUP BY " + b.groupIDSQL
		}
		return sqlStr
	}

	inner := "SELECT id, _id, data FROM " + tbl
	if len(b.where) > 0 {
		inner += " WHERE " + strings.Join(wrap(b.where), " AND ")
	}
	from := "(" + inner + ") AS base"
	for _, u := range b.unwinds {
		from += fmt.Sprintf(", json_each(%s, '%s') %s", u.srcSQL, u.pathLit, u.alias)
	}

	var sel string
	if b.grouped {
		sel = groupSel()
	} else {
		sel = fmt.Sprintf("SELECT base.id AS id, base._id AS _id, %s AS data", b.dataExpr())
	}
	sqlStr := sel + " FROM " + from
	if len(b.unwindWhere) > 0 {
		sqlStr += " WHERE " + strings.Join(wrap(b.unwindWhere), " AND ")
	}
	if b.grouped {
		sqlStr += " GROUP BY " + b.groupIDSQL
	}
	return sqlStr
}

func wrap(parts []string) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = "(" + p + ")"
	}
	return out
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
