// Package archive exports closed billing periods to object storage.
//
// When a renewal closes a period, the Archiver writes the period's statement
// to statements/<organization>/<start>_<end>.jsonl: a header line with the
// final balance, then every transaction of the period in sequence order.
package archive
