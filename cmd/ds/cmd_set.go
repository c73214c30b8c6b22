package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/daviddao/docsync/pkg/client"
	"github.com/daviddao/docsync/pkg/proxy"
)

func (a *app) cmdSet(args []string) int {
	flags := flag.NewFlagSet("set", flag.ContinueOnError)
	clientFlag := flags.String("client", "", "client key")
	del := flags.Bool("delete", false, "remove the field instead of setting it")
	appendTo := flags.Bool("append", false, "append to the array under key, creating it")
	raw := flags.Bool("string", false, "store the value as a string without type detection")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	want := 3
	if *del {
		want = 2
	}
	if flags.NArg() != want || (*del && *appendTo) {
		fmt.Fprintln(os.Stderr, "usage: ds set [--string] [--append] <doc> <key> <value>")
		fmt.Fprintln(os.Stderr, "       ds set --delete <doc> <key>")
		return 1
	}
	docKey, field := flags.Arg(0), flags.Arg(1)
	var value any
	if !*del {
		value = flags.Arg(2)
		if !*raw {
			value = parseValue(flags.Arg(2))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	s, err := a.connect(ctx, a.resolveClient(*clientFlag))
	if err != nil {
		return fail("set", err)
	}
	defer s.Close(ctx)

	doc, err := s.attach(ctx, docKey, client.SyncManual)
	if err != nil {
		return fail("set", err)
	}

	err = doc.Update(ctx, func(root *proxy.Object, _ *proxy.Presence) error {
		switch {
		case *del:
			if !root.Has(field) {
				return fmt.Errorf("no field %q", field)
			}
			root.Delete(field)
		case *appendTo:
			arr := root.GetArray(field)
			if arr == nil {
				if root.Has(field) {
					return fmt.Errorf("field %q is not an array", field)
				}
				arr = root.SetNewArray(field)
			}
			addValue(arr, value)
		default:
			setValue(root, field, value)
		}
		return nil
	})
	if err != nil {
		return fail("set", err)
	}

	// Detach pushes the change before releasing the attachment.
	if err := s.client.Detach(ctx, doc); err != nil {
		return fail("set", err)
	}

	if *jsonOut {
		printJSON(map[string]interface{}{
			"document":   docKey,
			"server_seq": doc.Checkpoint().ServerSeq(),
			"root":       json.RawMessage(doc.Marshal()),
		})
	} else {
		fmt.Println(doc.Marshal())
	}
	return 0
}

// parseValue maps a command-line value to the primitive it spells: null,
// booleans, integers and floats are recognized; anything else is a string.
func parseValue(s string) any {
	switch s {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func setValue(root *proxy.Object, key string, v any) {
	switch v := v.(type) {
	case nil:
		root.SetNull(key)
	case bool:
		root.SetBool(key, v)
	case int64:
		root.SetLong(key, v)
	case float64:
		root.SetDouble(key, v)
	case string:
		root.SetString(key, v)
	}
}

func addValue(arr *proxy.Array, v any) {
	switch v := v.(type) {
	case nil:
		arr.AddNull()
	case bool:
		arr.AddBool(v)
	case int64:
		arr.AddLong(v)
	case float64:
		arr.AddDouble(v)
	case string:
		arr.AddString(v)
	}
}
