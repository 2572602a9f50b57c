package sqlguard

// Rule tables. The validator's policy is additive data: supporting a
// new dialect or blocking a new pattern means a new table entry, not a
// control-flow change.

// ReasonCode identifies why a candidate query was blocked.
type ReasonCode string

const (
	ReasonMultiStatement     ReasonCode = "MULTI_STATEMENT"
	ReasonForbiddenVerb      ReasonCode = "FORBIDDEN_VERB"
	ReasonForbiddenFunction  ReasonCode = "FORBIDDEN_FUNCTION"
	ReasonForbiddenSchema    ReasonCode = "FORBIDDEN_SCHEMA"
	ReasonSuspiciousLiteral  ReasonCode = "SUSPICIOUS_LITERAL"
	ReasonEmptyStatement     ReasonCode = "EMPTY_STATEMENT"
	ReasonMalformedStatement ReasonCode = "MALFORMED_STATEMENT"
)

// allowedLeadingKeywords are the only read-only statement forms for the
// relational dialect. Everything else is blocked at the leading-verb
// check regardless of whether it appears in forbiddenVerbs.
var allowedLeadingKeywords = map[string]bool{
	"select": true,
	"with":   true, // CTE prelude; the body is still verb-checked
}

// forbiddenVerbs are data- or schema-mutating keywords blocked anywhere
// in the statement, not just in leading position. A CTE like
// "WITH x AS (DELETE ...)" or a mutating verb smuggled past the leading
// check is caught here. Limited to words that are never plausible
// column names; purely leading-position verbs (set, do, call, ...) are
// covered by allowedLeadingKeywords instead.
var forbiddenVerbs = map[string]string{
	"insert":   "verb:insert",
	"update":   "verb:update",
	"delete":   "verb:delete",
	"drop":     "verb:drop",
	"alter":    "verb:alter",
	"truncate": "verb:truncate",
	"create":   "verb:create",
	"grant":    "verb:grant",
	"revoke":   "verb:revoke",
	"merge":    "verb:merge",
	"exec":     "verb:exec",
	"execute":  "verb:execute",
	"reindex":  "verb:reindex",
	"vacuum":   "verb:vacuum",
}

// forbiddenFunctions are function classes that reach outside the
// read-only session: file and directory access, network egress,
// dynamic execution, session control, and denial-of-service sleeps.
var forbiddenFunctions = map[string]string{
	// File/system access (PostgreSQL)
	"pg_read_file":        "func:file_access",
	"pg_read_binary_file": "func:file_access",
	"pg_ls_dir":           "func:file_access",
	"pg_stat_file":        "func:file_access",
	"lo_import":           "func:file_access",
	"lo_export":           "func:file_access",
	// Network access
	"dblink":      "func:network_access",
	"dblink_exec": "func:network_access",
	// Session/server control
	"pg_terminate_backend": "func:session_control",
	"pg_cancel_backend":    "func:session_control",
	"pg_reload_conf":       "func:session_control",
	"pg_rotate_logfile":    "func:session_control",
	"set_config":           "func:session_control",
	// Sleeps (resource exhaustion under a shared pool)
	"pg_sleep":       "func:sleep",
	"pg_sleep_for":   "func:sleep",
	"pg_sleep_until": "func:sleep",
	// XML dumpers that can exfiltrate whole schemas
	"query_to_xml":    "func:bulk_export",
	"database_to_xml": "func:bulk_export",
	"table_to_xml":    "func:bulk_export",
	// Other dialects' escape hatches
	"xp_cmdshell":    "func:dynamic_execution",
	"openrowset":     "func:network_access",
	"opendatasource": "func:network_access",
	"load_file":      "func:file_access",
	"sys_exec":       "func:dynamic_execution",
	"sys_eval":       "func:dynamic_execution",
}

// forbiddenSchemas are system namespaces generated queries must not
// touch; schema metadata reaches the model through the introspector,
// never through the query itself.
var forbiddenSchemas = map[string]string{
	"pg_catalog":         "schema:pg_catalog",
	"information_schema": "schema:information_schema",
	"pg_toast":           "schema:pg_toast",
}

// forbiddenDocumentOperators are document-dialect operators that
// execute code, write data, or escape the query's single-collection
// scope. Keys are matched against every key of the decoded query spec,
// at any nesting depth.
var forbiddenDocumentOperators = map[string]struct {
	rule   string
	reason ReasonCode
}{
	"$where":       {"doc:$where", ReasonForbiddenFunction},
	"$function":    {"doc:$function", ReasonForbiddenFunction},
	"$accumulator": {"doc:$accumulator", ReasonForbiddenFunction},
	"$out":         {"doc:$out", ReasonForbiddenVerb},
	"$merge":       {"doc:$merge", ReasonForbiddenVerb},
	"$lookup":      {"doc:$lookup", ReasonForbiddenFunction},
	"$facet":       {"doc:$facet", ReasonForbiddenFunction},
}

// allowedDocumentOperations are the read-only document operations.
var allowedDocumentOperations = map[string]bool{
	"find":      true,
	"aggregate": true,
	"count":     true,
}
