// Package bytecode defines the compiled form of krill programs: runtime
// values, the instruction set executed by the VM, and the per-agent tables
// produced by the compiler.
//
// # Architecture Overview
//
//   - Values: a closed set of runtime data (Int, Str, Bool, Ref, Record).
//     Ref values point at live agent instances through the Address interface
//     implemented by the actor runtime.
//
//   - Instructions: a closed set of stack instructions (LoadConst, LoadVar,
//     Store, FieldAccess, BinOp, Send, Effect). Each carries its operands
//     directly; there is no constant pool.
//
//   - Program: message schemas plus one CompiledAgent per agent definition.
//     A CompiledAgent holds the resolved state-initialization table and one
//     CompiledHandler per accepted variant. It is immutable after compilation
//     and shared by every instance spawned from it.
//
// # Serialization
//
// Programs are in-memory structures. Marshal and Unmarshal provide a
// canonical CBOR encoding for caching compiled programs; encoding the same
// program twice yields identical bytes. Live references cannot be encoded
// and are written as unbound references of the same type.
package bytecode
