// Package sqlguard is the safety boundary between planner output and the
// database. Every query built or generated by the pipeline passes through
// Validate and SanitizeSQL before it is executed.
package sqlguard

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

const (
	// DefaultLimit is appended to unbounded row queries and replaces non-positive limits.
	DefaultLimit = 200
	// MaxLimit is the hard ceiling for any LIMIT clause.
	MaxLimit = 500
	// maxFragmentLen bounds interpolated place/commodity names.
	maxFragmentLen = 60
)

var (
	ErrEmpty            = errors.New("empty query")
	ErrNotSelect        = errors.New("only SELECT / WITH queries are allowed")
	ErrMultiStatement   = errors.New("multiple statements are not allowed")
	ErrForbiddenKeyword = errors.New("query contains a forbidden keyword")
	ErrParse            = errors.New("query does not parse")
	ErrSelectInto       = errors.New("SELECT INTO is not allowed")
	ErrLocking          = errors.New("row locking clauses are not allowed")
)

var (
	fenceRe      = regexp.MustCompile("(?is)```[a-z]*\\s*(.*?)```")
	forbiddenRe  = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|truncate|grant|revoke)\b`)
	groupByRe    = regexp.MustCompile(`(?i)\bGROUP\s+BY\b`)
	aggregateRe  = regexp.MustCompile(`(?i)\b(COUNT|AVG|MIN|MAX|SUM|PERCENTILE_CONT|PERCENTILE_DISC)\s*\(`)
	limitRe      = regexp.MustCompile(`(?i)\bLIMIT\s+(-?\d+)\b`)
	trailingSemi = regexp.MustCompile(`;?\s*$`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	latestDateRe = regexp.MustCompile(`(?i)arrival_date\s*=\s*\(\s*SELECT\s+MAX\s*\(\s*arrival_date\s*\)`)
	selectStarRe = regexp.MustCompile(`(?i)\bSELECT\s+(DISTINCT\s+)?\*`)
	orderPriceRe = regexp.MustCompile(`(?i)\bORDER\s+BY\b[^;]*price`)
)

var aggregateFuncs = map[string]bool{
	"count":           true,
	"avg":             true,
	"min":             true,
	"max":             true,
	"sum":             true,
	"percentile_cont": true,
	"percentile_disc": true,
}

// ExtractSQL strips a fenced code block (language tag optional) from model
// output. It returns false when nothing is left.
func ExtractSQL(output string) (string, bool) {
	sql := strings.TrimSpace(output)
	if m := fenceRe.FindStringSubmatch(sql); m != nil {
		sql = strings.TrimSpace(m[1])
	}
	if sql == "" {
		return "", false
	}
	return sql, true
}

// IsSafeSelect reports whether sql is a single read-only SELECT/WITH statement.
func IsSafeSelect(sql string) bool {
	return Validate(sql) == nil
}

// Validate explains why sql is not a single read-only statement. The textual
// checks run first; the parse tree is then checked structurally.
func Validate(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return ErrEmpty
	}
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return ErrNotSelect
	}
	if idx := strings.Index(lower, ";"); idx >= 0 && idx != len(lower)-1 {
		return ErrMultiStatement
	}
	if forbiddenRe.MatchString(lower) {
		return ErrForbiddenKeyword
	}

	tree, err := pg_query.Parse(trimmed)
	if err != nil {
		return errors.Join(ErrParse, err)
	}
	if len(tree.GetStmts()) != 1 {
		return ErrMultiStatement
	}
	sel := tree.GetStmts()[0].GetStmt().GetSelectStmt()
	if sel == nil {
		return ErrNotSelect
	}
	return checkSelect(sel)
}

func checkSelect(sel *pg_query.SelectStmt) error {
	if sel == nil {
		return nil
	}
	if sel.GetIntoClause() != nil {
		return ErrSelectInto
	}
	if len(sel.GetLockingClause()) > 0 {
		return ErrLocking
	}
	if with := sel.GetWithClause(); with != nil {
		for _, node := range with.GetCtes() {
			cte := node.GetCommonTableExpr()
			if cte == nil {
				return ErrNotSelect
			}
			inner := cte.GetCtequery().GetSelectStmt()
			if inner == nil {
				return ErrNotSelect
			}
			if err := checkSelect(inner); err != nil {
				return err
			}
		}
	}
	if err := checkSelect(sel.GetLarg()); err != nil {
		return err
	}
	return checkSelect(sel.GetRarg())
}

// SanitizeSQL bounds the result size of sql. Unaggregated queries without a
// LIMIT get LIMIT 200; limits above 500 are clamped to 500 and non-positive
// limits become 200. LIMIT ALL, LIMIT NULL and non-constant limits count as
// no limit. The bound is read from the parse tree, so FETCH FIRST, a
// parenthesised count or a LIMIT inside a comment are all seen as written.
// Applying it twice gives the same result as once.
func SanitizeSQL(sql string) string {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return trimmed
	}

	tree, err := pg_query.Parse(trimmed)
	if err != nil || len(tree.GetStmts()) != 1 || tree.GetStmts()[0].GetStmt().GetSelectStmt() == nil {
		return sanitizeText(trimmed)
	}
	sel := tree.GetStmts()[0].GetStmt().GetSelectStmt()
	aggregated := selectAggregates(sel)
	count := sel.GetLimitCount()
	ties := sel.GetLimitOption() == pg_query.LimitOption_LIMIT_OPTION_WITH_TIES

	v, constant := limitValue(count)
	var n int
	switch {
	case !constant:
		if aggregated {
			return trimmed
		}
		n = DefaultLimit
	case v > MaxLimit:
		n = MaxLimit
	case v < 1:
		n = DefaultLimit
	case !ties:
		return trimmed
	default:
		n = int(v)
	}

	if count == nil {
		return trailingSemi.ReplaceAllString(trimmed, "") + "\nLIMIT " + strconv.Itoa(n)
	}
	if count.GetAConst() != nil && !ties {
		if out, ok := spliceConst(trimmed, count.GetAConst().GetLocation(), n); ok {
			return out
		}
	}
	return rebound(tree, sel, n, trimmed)
}

// limitValue returns the numeric value of a LIMIT count. NULL, missing and
// non-numeric counts report constant=false.
func limitValue(count *pg_query.Node) (v float64, constant bool) {
	c := count.GetAConst()
	if c == nil || c.GetIsnull() {
		return 0, false
	}
	switch {
	case c.GetIval() != nil:
		return float64(c.GetIval().GetIval()), true
	case c.GetFval() != nil:
		f, err := strconv.ParseFloat(c.GetFval().GetFval(), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// spliceConst replaces the constant token at loc with n, keeping the rest of
// the text as the planner wrote it. A folded negative constant starts at its
// minus sign.
func spliceConst(sql string, loc int32, n int) (string, bool) {
	if loc < 0 {
		return "", false
	}
	scan, err := pg_query.Scan(sql)
	if err != nil {
		return "", false
	}
	toks := scan.GetTokens()
	for i, tok := range toks {
		if tok.GetStart() != loc {
			continue
		}
		end := tok.GetEnd()
		if sql[tok.GetStart():end] == "-" {
			if i+1 >= len(toks) {
				return "", false
			}
			end = toks[i+1].GetEnd()
		}
		return sql[:loc] + strconv.Itoa(n) + sql[end:], true
	}
	return "", false
}

// rebound sets the outer limit to a plain LIMIT n and deparses the tree. If
// that fails the query is wrapped instead.
func rebound(tree *pg_query.ParseResult, sel *pg_query.SelectStmt, n int, original string) string {
	sel.LimitCount = pg_query.MakeAConstIntNode(int64(n), -1)
	sel.LimitOption = pg_query.LimitOption_LIMIT_OPTION_COUNT
	out, err := pg_query.Deparse(tree)
	if err != nil {
		body := trailingSemi.ReplaceAllString(original, "")
		return "SELECT * FROM (\n" + body + "\n) AS bounded\nLIMIT " + strconv.Itoa(n)
	}
	return out
}

// sanitizeText is the textual bound for input the parser rejects.
func sanitizeText(trimmed string) string {
	locs := limitRe.FindAllStringSubmatchIndex(trimmed, -1)
	if len(locs) == 0 {
		if groupByRe.MatchString(trimmed) || aggregateRe.MatchString(trimmed) {
			return trimmed
		}
		return trailingSemi.ReplaceAllString(trimmed, "") + "\nLIMIT " + strconv.Itoa(DefaultLimit)
	}
	loc := locs[len(locs)-1]
	n, err := strconv.Atoi(trimmed[loc[2]:loc[3]])
	switch {
	case err != nil && !strings.HasPrefix(trimmed[loc[2]:loc[3]], "-"):
		n = MaxLimit + 1
	case err != nil:
		n = 0
	}

	var replacement string
	switch {
	case n > MaxLimit:
		replacement = "LIMIT " + strconv.Itoa(MaxLimit)
	case n <= 0:
		replacement = "LIMIT " + strconv.Itoa(DefaultLimit)
	default:
		return trimmed
	}
	return trimmed[:loc[0]] + replacement + trimmed[loc[1]:]
}

// selectAggregates reports whether the outer query aggregates (GROUP BY or an
// aggregate call in its target list). Subquery aggregates such as the
// MAX(arrival_date) filter do not count.
func selectAggregates(sel *pg_query.SelectStmt) bool {
	if sel == nil {
		return false
	}
	if sel.GetOp() != pg_query.SetOperation_SETOP_NONE {
		return selectAggregates(sel.GetLarg()) || selectAggregates(sel.GetRarg())
	}
	if len(sel.GetGroupClause()) > 0 {
		return true
	}
	for _, target := range sel.GetTargetList() {
		if containsAggregate(target) {
			return true
		}
	}
	return false
}

func containsAggregate(node *pg_query.Node) bool {
	if node == nil {
		return false
	}
	switch {
	case node.GetResTarget() != nil:
		return containsAggregate(node.GetResTarget().GetVal())
	case node.GetFuncCall() != nil:
		fc := node.GetFuncCall()
		names := fc.GetFuncname()
		if len(names) > 0 && fc.GetOver() == nil {
			if s := names[len(names)-1].GetString_(); s != nil && aggregateFuncs[strings.ToLower(s.GetSval())] {
				return true
			}
		}
		for _, arg := range fc.GetArgs() {
			if containsAggregate(arg) {
				return true
			}
		}
	case node.GetTypeCast() != nil:
		return containsAggregate(node.GetTypeCast().GetArg())
	case node.GetAExpr() != nil:
		return containsAggregate(node.GetAExpr().GetLexpr()) || containsAggregate(node.GetAExpr().GetRexpr())
	case node.GetCoalesceExpr() != nil:
		for _, arg := range node.GetCoalesceExpr().GetArgs() {
			if containsAggregate(arg) {
				return true
			}
		}
	}
	return false
}

// SanitizeIdentifierFragment cleans a resolved place or commodity name before
// it is interpolated into hand-built SQL. Never call it with raw user input.
func SanitizeIdentifierFragment(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == ' ':
			b.WriteRune(r)
		case r == '(', r == ')', r == '.', r == ',', r == '-':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	cleaned := strings.TrimSpace(whitespaceRe.ReplaceAllString(b.String(), " "))
	if runes := []rune(cleaned); len(runes) > maxFragmentLen {
		cleaned = strings.TrimSpace(string(runes[:maxFragmentLen]))
	}
	return cleaned
}

// QuoteLiteral renders value as a single-quoted SQL string literal.
func QuoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// Literal sanitizes value and quotes it.
func Literal(value string) string {
	return QuoteLiteral(SanitizeIdentifierFragment(value))
}

// HasLatestDateFilter reports whether sql pins arrival_date to the latest
// date. Besides the plain "arrival_date = (SELECT MAX(arrival_date) ...)"
// form it follows table aliases, casts, IN subqueries, join conditions,
// FROM subqueries and CTEs that compute MAX(arrival_date). A filter that is
// only one side of an OR does not count. Unparsable input falls back to
// matching the plain form in the text.
func HasLatestDateFilter(sql string) bool {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return latestDateRe.MatchString(sql)
	}
	for _, raw := range tree.GetStmts() {
		if selectPinsLatest(raw.GetStmt().GetSelectStmt(), nil) {
			return true
		}
	}
	return false
}

// latestColumns maps a CTE name to its columns holding MAX(arrival_date).
type latestColumns map[string]map[string]bool

func (lc latestColumns) with(clause *pg_query.WithClause) latestColumns {
	if clause == nil {
		return lc
	}
	out := latestColumns{}
	for name, cols := range lc {
		out[name] = cols
	}
	for _, node := range clause.GetCtes() {
		cte := node.GetCommonTableExpr()
		q := cte.GetCtequery().GetSelectStmt()
		if q == nil {
			continue
		}
		cols := map[string]bool{}
		aliases := cte.GetAliascolnames()
		for i, target := range q.GetTargetList() {
			rt := target.GetResTarget()
			if rt == nil || !isMaxArrival(rt.GetVal()) {
				continue
			}
			name := rt.GetName()
			if i < len(aliases) {
				name = aliases[i].GetString_().GetSval()
			}
			if name == "" {
				name = "max"
			}
			cols[name] = true
		}
		if len(cols) > 0 {
			out[cte.GetCtename()] = cols
		}
	}
	return out
}

// refersTo reports whether a column reference names one of the latest columns.
func (lc latestColumns) refersTo(ref *pg_query.ColumnRef) bool {
	fields := ref.GetFields()
	switch len(fields) {
	case 1:
		col := fields[0].GetString_().GetSval()
		for _, cols := range lc {
			if cols[col] {
				return true
			}
		}
	case 2:
		return lc[fields[0].GetString_().GetSval()][fields[1].GetString_().GetSval()]
	}
	return false
}

func selectPinsLatest(sel *pg_query.SelectStmt, ctes latestColumns) bool {
	if sel == nil {
		return false
	}
	ctes = ctes.with(sel.GetWithClause())
	for _, node := range sel.GetWithClause().GetCtes() {
		if selectPinsLatest(node.GetCommonTableExpr().GetCtequery().GetSelectStmt(), ctes) {
			return true
		}
	}
	if sel.GetOp() != pg_query.SetOperation_SETOP_NONE {
		return selectPinsLatest(sel.GetLarg(), ctes) && selectPinsLatest(sel.GetRarg(), ctes)
	}
	if exprPinsLatest(sel.GetWhereClause(), ctes) {
		return true
	}
	for _, from := range sel.GetFromClause() {
		if fromPinsLatest(from, ctes) {
			return true
		}
	}
	return false
}

func fromPinsLatest(node *pg_query.Node, ctes latestColumns) bool {
	switch {
	case node.GetJoinExpr() != nil:
		j := node.GetJoinExpr()
		return exprPinsLatest(j.GetQuals(), ctes) || fromPinsLatest(j.GetLarg(), ctes) || fromPinsLatest(j.GetRarg(), ctes)
	case node.GetRangeSubselect() != nil:
		return selectPinsLatest(node.GetRangeSubselect().GetSubquery().GetSelectStmt(), ctes)
	}
	return false
}

func exprPinsLatest(node *pg_query.Node, ctes latestColumns) bool {
	switch {
	case node == nil:
		return false
	case node.GetBoolExpr() != nil:
		b := node.GetBoolExpr()
		switch b.GetBoolop() {
		case pg_query.BoolExprType_AND_EXPR:
			for _, arg := range b.GetArgs() {
				if exprPinsLatest(arg, ctes) {
					return true
				}
			}
		case pg_query.BoolExprType_OR_EXPR:
			for _, arg := range b.GetArgs() {
				if !exprPinsLatest(arg, ctes) {
					return false
				}
			}
			return len(b.GetArgs()) > 0
		}
		return false
	case node.GetAExpr() != nil:
		e := node.GetAExpr()
		if e.GetKind() != pg_query.A_Expr_Kind_AEXPR_OP || !isOperator(e.GetName(), "=") {
			return false
		}
		return (isArrivalDate(e.GetLexpr()) && isLatestValue(e.GetRexpr(), ctes)) ||
			(isArrivalDate(e.GetRexpr()) && isLatestValue(e.GetLexpr(), ctes))
	case node.GetSubLink() != nil:
		sl := node.GetSubLink()
		return sl.GetSubLinkType() == pg_query.SubLinkType_ANY_SUBLINK &&
			isArrivalDate(sl.GetTestexpr()) &&
			selectsLatest(sl.GetSubselect().GetSelectStmt(), ctes)
	}
	return false
}

// isLatestValue reports whether node evaluates to MAX(arrival_date): a scalar
// subquery computing it or a column of a CTE that does.
func isLatestValue(node *pg_query.Node, ctes latestColumns) bool {
	node = uncast(node)
	switch {
	case node.GetSubLink() != nil:
		sl := node.GetSubLink()
		return sl.GetSubLinkType() == pg_query.SubLinkType_EXPR_SUBLINK &&
			selectsLatest(sl.GetSubselect().GetSelectStmt(), ctes)
	case node.GetColumnRef() != nil:
		return ctes.refersTo(node.GetColumnRef())
	}
	return false
}

// selectsLatest reports whether a subquery returns the latest arrival date.
func selectsLatest(sel *pg_query.SelectStmt, ctes latestColumns) bool {
	if sel == nil || len(sel.GetTargetList()) != 1 {
		return false
	}
	ctes = ctes.with(sel.GetWithClause())
	val := uncast(sel.GetTargetList()[0].GetResTarget().GetVal())
	if isMaxArrival(val) {
		return true
	}
	return val.GetColumnRef() != nil && ctes.refersTo(val.GetColumnRef())
}

func isMaxArrival(node *pg_query.Node) bool {
	fc := uncast(node).GetFuncCall()
	if fc == nil || fc.GetOver() != nil || len(fc.GetArgs()) != 1 || !isOperator(fc.GetFuncname(), "max") {
		return false
	}
	return isArrivalDate(fc.GetArgs()[0])
}

func isArrivalDate(node *pg_query.Node) bool {
	ref := uncast(node).GetColumnRef()
	if ref == nil || len(ref.GetFields()) == 0 {
		return false
	}
	fields := ref.GetFields()
	return strings.EqualFold(fields[len(fields)-1].GetString_().GetSval(), "arrival_date")
}

// isOperator compares the last element of a qualified name.
func isOperator(name []*pg_query.Node, want string) bool {
	if len(name) == 0 {
		return false
	}
	return strings.EqualFold(name[len(name)-1].GetString_().GetSval(), want)
}

func uncast(node *pg_query.Node) *pg_query.Node {
	for node.GetTypeCast() != nil {
		node = node.GetTypeCast().GetArg()
	}
	return node
}

// UsesSelectStar reports whether sql selects every column.
func UsesSelectStar(sql string) bool {
	return selectStarRe.MatchString(sql)
}

// HasOrderByPrice reports whether sql orders by a price column.
func HasOrderByPrice(sql string) bool {
	return orderPriceRe.MatchString(sql)
}
