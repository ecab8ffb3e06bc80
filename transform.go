package documap

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/dosco/documap/internal/util"
)

var updateOperators = map[string]bool{
	"set": true, "unset": true, "inc": true, "dec": true, "mul": true,
	"pop": true, "push": true, "push_all": true, "pull": true,
	"pull_all": true, "add_to_set": true, "set_on_insert": true,
	"min": true, "max": true, "rename": true,
}

var comparisonOperators = map[string]bool{
	"ne": true, "gt": true, "gte": true, "lt": true, "lte": true,
	"in": true, "nin": true, "mod": true, "all": true, "size": true,
	"exists": true, "not": true, "elemMatch": true, "type": true,
}

func isMatchOperator(op string) bool {
	return comparisonOperators[op] || isStringOperator(op) || op == "match"
}

// singular operators coerce their value through the field directly,
// everything else handles iterables or raw documents.
func isSingularOp(op string) bool {
	switch op {
	case "", "ne", "gt", "gte", "lt", "lte", "not":
		return true
	}
	return isStringOperator(op)
}

// pathElem is one resolved segment of a lookup: a field, or a verbatim
// string for list indices and opaque members.
type pathElem struct {
	field   Field
	literal string
}

// lookupFieldPath resolves double underscore path segments against the
// schema. Unresolvable members under an opaque compound are kept
// verbatim, anything else unresolvable is a LookupError.
func lookupFieldPath(s *Schema, parts []string) ([]pathElem, error) {
	out := make([]pathElem, 0, len(parts))
	var cur Field
	for _, name := range parts {
		if util.IsDigits(name) {
			if _, ok := cur.(*ListField); ok {
				out = append(out, pathElem{literal: name})
				continue
			}
		}
		if cur == nil {
			if name == "pk" {
				name = s.pkName
			}
			f, ok := s.fields[name]
			if !ok {
				return nil, &LookupError{Segment: name}
			}
			cur = f
			out = append(out, pathElem{field: cur})
			continue
		}

		var next Field
		switch f := cur.(type) {
		case *ListField:
			if f.Inner != nil {
				next = memberOf(f.Inner, name)
			}
		case *MapField:
			next = f.LookupMember(name)
		case *EmbeddedField:
			next = f.LookupMember(name)
			if next == nil && f.Schema != nil && f.Schema.strict {
				return nil, &LookupError{Segment: name}
			}
		default:
			return nil, &LookupError{Segment: name}
		}
		if next == nil {
			if cur.Kind() != KindCompound {
				return nil, &LookupError{Segment: name}
			}
			// opaque member of a schemaless container
			out = append(out, pathElem{literal: name})
			continue
		}
		cur = next
		out = append(out, pathElem{field: cur})
	}
	return out, nil
}

func prepareIterable(f Field, op string, value any) (any, error) {
	if _, ok := value.(*Document); ok {
		return nil, &InvalidQueryError{Msg: fmt.Sprintf(
			"the %s operator needs a list, wrap the document in one", op)}
	}
	elems, ok := asSlice(value)
	if !ok {
		return nil, &InvalidQueryError{Msg: fmt.Sprintf(
			"the %s operator must be applied to a list", op)}
	}
	out := make([]any, len(elems))
	for i, e := range elems {
		prepared, err := f.PrepareQueryValue(op, e)
		if err != nil {
			return nil, err
		}
		out[i] = prepared
	}
	return out, nil
}

func asRawDoc(v any) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return m, true
	case Q:
		return bson.M(m), true
	}
	return nil, false
}

// compileNode simplifies and compiles a filter tree into a native query
// document.
func compileNode(s *Schema, n QNode) (bson.M, error) {
	if n == nil {
		return bson.M{}, nil
	}
	simplified, err := simplify(n)
	if err != nil {
		return nil, err
	}
	return compileSimplified(s, simplified)
}

func compileSimplified(s *Schema, n QNode) (bson.M, error) {
	switch node := n.(type) {
	case Q:
		return transformQuery(s, node)
	case *combination:
		parts := make(bson.A, 0, len(node.children))
		for _, child := range node.children {
			compiled, err := compileSimplified(s, child)
			if err != nil {
				return nil, err
			}
			parts = append(parts, compiled)
		}
		if node.op == opOr {
			return bson.M{"$or": parts}, nil
		}
		return bson.M{"$and": parts}, nil
	}
	return nil, &InvalidQueryError{Msg: "unknown query node"}
}

type indexedSeg struct {
	pos int
	seg string
}

// splitKey breaks a filter key into path segments, extracting trailing
// digit segments so they can be respliced after name translation.
func splitKey(key string) ([]string, []indexedSeg) {
	parts := strings.Split(key, "__")
	var indices []indexedSeg
	kept := parts[:0]
	for i, p := range parts {
		if util.IsDigits(p) {
			indices = append(indices, indexedSeg{pos: i, seg: p})
			continue
		}
		kept = append(kept, p)
	}
	return kept, indices
}

func respliceIndices(parts []string, indices []indexedSeg) []string {
	for _, idx := range indices {
		if idx.pos >= len(parts) {
			parts = append(parts, idx.seg)
			continue
		}
		parts = append(parts, "")
		copy(parts[idx.pos+1:], parts[idx.pos:])
		parts[idx.pos] = idx.seg
	}
	return parts
}

// transformQuery compiles one leaf of keyword conditions into a native
// filter document. Keys are processed in sorted order so compilation is
// deterministic, conditions on the same key that cannot be merged are
// collected under $and.
func transformQuery(s *Schema, conds Q) (bson.M, error) {
	mongoQuery := bson.M{}
	mergeQuery := map[string][]any{}

	keys := make([]string, 0, len(conds))
	for k := range conds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := conds[key]
		if key == "__raw__" {
			raw, ok := asRawDoc(value)
			if !ok {
				return nil, &InvalidQueryError{Msg: "__raw__ needs a document value"}
			}
			for k, v := range raw {
				mongoQuery[k] = v
			}
			continue
		}

		parts, indices := splitKey(key)

		op := ""
		if len(parts) > 1 && isMatchOperator(parts[len(parts)-1]) {
			op = parts[len(parts)-1]
			parts = parts[:len(parts)-1]
		}
		// a trailing __ escapes an operator-like field name
		if len(parts) > 1 && parts[len(parts)-1] == "" {
			parts = parts[:len(parts)-1]
		}
		negate := false
		if len(parts) > 1 && parts[len(parts)-1] == "not" {
			parts = parts[:len(parts)-1]
			negate = true
		}

		var lastField Field
		if s != nil {
			chain, err := lookupFieldPath(s, parts)
			if err != nil {
				return nil, &InvalidQueryError{Err: err}
			}
			parts = parts[:0]
			for _, el := range chain {
				if el.field == nil {
					seg := el.literal
					if seg == "S" {
						seg = "$"
					}
					parts = append(parts, seg)
					continue
				}
				parts = append(parts, el.field.Descriptor().DBName)
				lastField = el.field
			}

			if lastField != nil {
				switch {
				case isSingularOp(op):
					value, err = lastField.PrepareQueryValue(op, value)
				case op == "in" || op == "nin" || op == "all":
					if _, isDoc := asRawDoc(value); !isDoc {
						value, err = prepareIterable(lastField, op, value)
					}
				}
				if err != nil {
					return nil, &InvalidQueryError{Err: err}
				}
			}
		}

		if op != "" {
			switch {
			case op == "match" || op == "elemMatch":
				inner, err := compileElemMatch(lastField, value)
				if err != nil {
					return nil, err
				}
				value = bson.M{"$elemMatch": inner}
			case !isStringOperator(op):
				value = bson.M{"$" + op: value}
			}
		}
		if negate {
			value = bson.M{"$not": value}
		}

		parts = respliceIndices(parts, indices)
		dbKey := strings.Join(parts, ".")

		existing, ok := mongoQuery[dbKey]
		switch {
		case !ok:
			mongoQuery[dbKey] = value
		default:
			em, eok := existing.(bson.M)
			vm, vok := value.(bson.M)
			if eok && vok && !keysOverlap(em, vm) {
				for k, v := range vm {
					em[k] = v
				}
			} else {
				mergeQuery[dbKey] = append(mergeQuery[dbKey], value)
			}
		}
	}

	// conditions that could not be merged in place move under $and
	mergeKeys := make([]string, 0, len(mergeQuery))
	for k := range mergeQuery {
		mergeKeys = append(mergeKeys, k)
	}
	sort.Strings(mergeKeys)
	for _, k := range mergeKeys {
		vals := append(mergeQuery[k], mongoQuery[k])
		delete(mongoQuery, k)
		var and bson.A
		if existing, ok := mongoQuery["$and"].(bson.A); ok {
			and = existing
		}
		for _, v := range vals {
			and = append(and, bson.M{k: v})
		}
		mongoQuery["$and"] = and
	}

	return mongoQuery, nil
}

func keysOverlap(a, b bson.M) bool {
	for k := range b {
		if _, ok := a[k]; ok {
			return true
		}
	}
	return false
}

// compileElemMatch compiles the value of a match operator. Conditions on
// a list of embedded documents recurse into the embedded schema.
func compileElemMatch(f Field, value any) (any, error) {
	raw, isDoc := asRawDoc(value)
	if isDoc {
		if lf, ok := f.(*ListField); ok {
			if ef, ok := lf.Inner.(*EmbeddedField); ok {
				return transformQuery(ef.Schema, Q(raw))
			}
		}
		return bson.M(raw), nil
	}
	if f == nil {
		return value, nil
	}
	return f.PrepareQueryValue("elemMatch", value)
}

var updateOperatorNames = map[string]string{
	"push_all":      "pushAll",
	"pull_all":      "pullAll",
	"dec":           "inc",
	"add_to_set":    "addToSet",
	"set_on_insert": "setOnInsert",
}

func negateNumber(v any) (any, error) {
	switch n := v.(type) {
	case int:
		return -n, nil
	case int32:
		return -n, nil
	case int64:
		return -n, nil
	case float32:
		return -n, nil
	case float64:
		return -n, nil
	}
	return nil, &InvalidQueryError{Msg: fmt.Sprintf("dec needs a numeric value, got %v", v)}
}

// transformUpdate compiles one leaf of keyword update instructions into a
// native update document. A key with no leading operator defaults to set.
func transformUpdate(s *Schema, updates Q) (bson.M, error) {
	mongoUpdate := bson.M{}

	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := updates[key]
		if key == "__raw__" {
			raw, ok := asRawDoc(value)
			if !ok {
				return nil, &InvalidQueryError{Msg: "__raw__ needs a document value"}
			}
			for k, v := range raw {
				mongoUpdate[k] = v
			}
			continue
		}

		parts := strings.Split(key, "__")
		if !updateOperators[parts[0]] {
			parts = append([]string{"set"}, parts...)
		}
		op := parts[0]
		parts = parts[1:]
		if op == "dec" {
			negated, err := negateNumber(value)
			if err != nil {
				return nil, err
			}
			value = negated
		}
		if mapped, ok := updateOperatorNames[op]; ok {
			op = mapped
		}

		match := ""
		if len(parts) > 0 && comparisonOperators[parts[len(parts)-1]] {
			match = parts[len(parts)-1]
			parts = parts[:len(parts)-1]
		}
		if len(parts) > 1 && parts[len(parts)-1] == "" {
			parts = parts[:len(parts)-1]
		}
		if len(parts) == 0 {
			return nil, &InvalidQueryError{Msg: fmt.Sprintf("update key %q names no field", key)}
		}

		var chain []pathElem
		var field Field
		if s != nil {
			resolved, err := lookupFieldPath(s, parts)
			if err != nil {
				return nil, &InvalidQueryError{Err: err}
			}
			chain = resolved
			parts = parts[:0]
			appendedSub := false
			var cleaned []Field
			for _, el := range chain {
				if el.field == nil {
					seg := el.literal
					if seg == "S" {
						seg = "$"
					}
					parts = append(parts, seg)
					continue
				}
				parts = append(parts, el.field.Descriptor().DBName)
				cleaned = append(cleaned, el.field)
				appendedSub = false
				if inner := innerOf(el.field); inner != nil {
					cleaned = append(cleaned, inner)
					appendedSub = true
				}
			}
			if len(cleaned) > 0 {
				field = cleaned[len(cleaned)-1]
				if appendedSub {
					field = cleaned[len(cleaned)-2]
				}
			}

			if field != nil {
				value, err = prepareUpdateValue(field, op, match, value)
				if err != nil {
					return nil, &InvalidQueryError{Err: err}
				}
			}
		}
		if op == "unset" {
			value = 1
		}

		if match != "" {
			value = bson.M{"$" + match: value}
		}

		dbKey := strings.Join(parts, ".")

		var spec bson.M
		switch {
		case strings.Contains(op, "pull") && strings.Contains(dbKey, "."):
			if op == "pullAll" {
				return nil, &InvalidQueryError{Msg: "pullAll operations only support a single field depth"}
			}
			spec = nestPullPath(chain, parts, value)
		case op == "addToSet" && isSliceValue(value):
			value = bson.M{"$each": value}
			spec = bson.M{dbKey: value}
		case op == "push" || op == "pushAll":
			if last := parts[len(parts)-1]; util.IsDigits(last) {
				position, _ := strconv.Atoi(last)
				value = bson.M{"$each": asEach(value), "$position": position}
				spec = bson.M{strings.Join(parts[:len(parts)-1], "."): value}
			} else if op == "pushAll" {
				op = "push"
				spec = bson.M{dbKey: bson.M{"$each": asEach(value)}}
			} else {
				spec = bson.M{dbKey: value}
			}
		default:
			spec = bson.M{dbKey: value}
		}

		opKey := "$" + op
		if existing, ok := mongoUpdate[opKey].(bson.M); ok {
			for k, v := range spec {
				existing[k] = v
			}
		} else {
			mongoUpdate[opKey] = spec
		}
	}

	return mongoUpdate, nil
}

func innerOf(f Field) Field {
	switch cf := f.(type) {
	case *ListField:
		return cf.Inner
	case *MapField:
		return cf.Inner
	}
	return nil
}

func isSliceValue(v any) bool {
	_, ok := asSlice(v)
	return ok
}

func asEach(v any) []any {
	if elems, ok := asSlice(v); ok {
		return elems
	}
	return []any{v}
}

// prepareUpdateValue coerces the update payload through the field the
// path lands on, per operator.
func prepareUpdateValue(f Field, op, match string, value any) (any, error) {
	required := f.Descriptor().Required
	switch op {
	case "pull":
		if required || value != nil {
			if (match == "in" || match == "nin") && !isRawDocValue(value) {
				return prepareIterable(f, op, value)
			}
			return f.PrepareQueryValue(op, value)
		}
	case "push":
		if elems, ok := asSlice(value); ok {
			return prepareEach(f, op, elems)
		}
		if required || value != nil {
			return f.PrepareQueryValue(op, value)
		}
	case "", "set":
		if required || value != nil {
			return f.PrepareQueryValue(op, value)
		}
	case "pushAll", "pullAll":
		elems, ok := asSlice(value)
		if !ok {
			return nil, &InvalidQueryError{Msg: op + " needs a list value"}
		}
		return prepareEach(f, op, elems)
	case "addToSet", "setOnInsert":
		if elems, ok := asSlice(value); ok {
			return prepareEach(f, op, elems)
		}
		if required || value != nil {
			return f.PrepareQueryValue(op, value)
		}
	case "inc":
		return f.PrepareQueryValue(op, value)
	}
	return value, nil
}

func isRawDocValue(v any) bool {
	_, ok := asRawDoc(v)
	return ok
}

func prepareEach(f Field, op string, elems []any) ([]any, error) {
	out := make([]any, len(elems))
	for i, e := range elems {
		prepared, err := f.PrepareQueryValue(op, e)
		if err != nil {
			return nil, err
		}
		out[i] = prepared
	}
	return out, nil
}

// nestPullPath rewrites a dotted pull target: dot notation runs up to the
// last list typed segment, everything below it nests as document syntax.
func nestPullPath(chain []pathElem, parts []string, value any) bson.M {
	lastList := -1
	for i, el := range chain {
		if _, ok := el.field.(*ListField); ok && i < len(parts) {
			lastList = i
		}
	}
	head := parts
	var tail []string
	if lastList >= 0 && lastList < len(parts)-1 {
		head = parts[:lastList+1]
		tail = parts[lastList+1:]
	} else if lastList < 0 {
		head = parts[:1]
		tail = parts[1:]
	}
	for i := len(tail) - 1; i >= 0; i-- {
		value = bson.M{tail[i]: value}
	}
	return bson.M{strings.Join(head, "."): value}
}
