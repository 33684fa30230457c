package kernel

import (
	"reflect"
	"strconv"
	"sync/atomic"
)

// Counter is a diagnostic event counter.
type Counter struct {
	n atomic.Int64
}

func (c *Counter) Inc() { c.n.Add(1) }

func (c *Counter) Add(v int64) { c.n.Add(v) }

func (c *Counter) Load() int64 { return c.n.Load() }

// Snapshot returns the Counter fields of the struct pointed to by st, keyed by field name.
func Snapshot(st any) map[string]int64 {
	out := make(map[string]int64)
	v := reflect.ValueOf(st)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return out
	}
	v = v.Elem()
	for i := 0; i < v.NumField(); i++ {
		c := counterField(v, i)
		if c == nil {
			continue
		}
		out[v.Type().Field(i).Name] = c.Load()
	}
	return out
}

// Stats2String renders the Counter fields of *st, one per line.
func Stats2String(st any) string {
	v := reflect.ValueOf(st)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return ""
	}
	v = v.Elem()
	s := ""
	for i := 0; i < v.NumField(); i++ {
		c := counterField(v, i)
		if c == nil {
			continue
		}
		s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(c.Load(), 10)
	}
	return s + "\n"
}

func counterField(v reflect.Value, i int) *Counter {
	if !v.Type().Field(i).IsExported() {
		return nil
	}
	c, _ := v.Field(i).Addr().Interface().(*Counter)
	return c
}
