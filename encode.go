package dynbus

import "fmt"

// CannotConvertPrefix starts the placeholder string that Values with
// no DBus mapping are encoded as. The rest of the placeholder is the
// Value's kind, so that a Null encodes as "cannot_convert:null".
const CannotConvertPrefix = "cannot_convert:"

// Encode appends vals to b, one top-level DBus value per Value.
//
// Booleans, integers and strings encode as DBus booleans, int32s and
// strings. Arrays and maps encode as DBus arrays and dictionaries,
// with an element signature chosen by [Infer]. Top-level values with
// no DBus mapping encode as a [CannotConvertPrefix] string and do not
// stop the encoding.
//
// Arrays and maps that Infer rejects fail the whole encoding, as do
// strings that are not valid UTF-8 or contain NUL bytes
// ([InvalidStringError]). In that case b holds a partial body and
// must be discarded.
func Encode(vals []Value, b *Builder) error {
	for i, v := range vals {
		if err := encodeOne(b, v); err != nil {
			return fmt.Errorf("encoding argument %d: %w", i, err)
		}
	}
	return nil
}

func encodeOne(b *Builder, v Value) error {
	switch v.Kind() {
	case KindBool, KindInt32, KindString:
		return encodeScalar(b, v)
	case KindArray:
		sig, err := Infer(v)
		if err != nil {
			return err
		}
		return b.OpenArray(sig, func() error {
			for _, e := range v.Elems() {
				if err := encodeScalar(b, e); err != nil {
					return err
				}
			}
			return nil
		})
	case KindMap:
		sig, err := Infer(v)
		if err != nil {
			return err
		}
		return b.OpenArray(sig, func() error {
			for _, p := range v.Pairs() {
				err := b.OpenDictEntry(func() error {
					if err := encodeScalar(b, p.Key); err != nil {
						return err
					}
					return encodeScalar(b, p.Value)
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	default:
		return b.AppendString(CannotConvertPrefix + v.Kind().String())
	}
}

func encodeScalar(b *Builder, v Value) error {
	switch v.Kind() {
	case KindBool:
		return b.AppendBool(v.Bool())
	case KindInt32:
		return b.AppendInt32(v.Int32())
	case KindString:
		return b.AppendString(v.Str())
	default:
		return UnmappableTypeError{"value", v.Kind()}
	}
}
