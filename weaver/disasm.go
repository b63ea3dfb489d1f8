package weaver

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

var mnemonics = [202]string{
	"nop", "aconst_null", "iconst_m1", "iconst_0", "iconst_1", "iconst_2",
	"iconst_3", "iconst_4", "iconst_5", "lconst_0", "lconst_1", "fconst_0",
	"fconst_1", "fconst_2", "dconst_0", "dconst_1", "bipush", "sipush",
	"ldc", "ldc_w", "ldc2_w", "iload", "lload", "fload", "dload", "aload",
	"iload_0", "iload_1", "iload_2", "iload_3", "lload_0", "lload_1",
	"lload_2", "lload_3", "fload_0", "fload_1", "fload_2", "fload_3",
	"dload_0", "dload_1", "dload_2", "dload_3", "aload_0", "aload_1",
	"aload_2", "aload_3", "iaload", "laload", "faload", "daload", "aaload",
	"baload", "caload", "saload", "istore", "lstore", "fstore", "dstore",
	"astore", "istore_0", "istore_1", "istore_2", "istore_3", "lstore_0",
	"lstore_1", "lstore_2", "lstore_3", "fstore_0", "fstore_1", "fstore_2",
	"fstore_3", "dstore_0", "dstore_1", "dstore_2", "dstore_3", "astore_0",
	"astore_1", "astore_2", "astore_3", "iastore", "lastore", "fastore",
	"dastore", "aastore", "bastore", "castore", "sastore", "pop", "pop2",
	"dup", "dup_x1", "dup_x2", "dup2", "dup2_x1", "dup2_x2", "swap",
	"iadd", "ladd", "fadd", "dadd", "isub", "lsub", "fsub", "dsub",
	"imul", "lmul", "fmul", "dmul", "idiv", "ldiv", "fdiv", "ddiv",
	"irem", "lrem", "frem", "drem", "ineg", "lneg", "fneg", "dneg",
	"ishl", "lshl", "ishr", "lshr", "iushr", "lushr", "iand", "land",
	"ior", "lor", "ixor", "lxor", "iinc", "i2l", "i2f", "i2d", "l2i",
	"l2f", "l2d", "f2i", "f2l", "f2d", "d2i", "d2l", "d2f", "i2b",
	"i2c", "i2s", "lcmp", "fcmpl", "fcmpg", "dcmpl", "dcmpg", "ifeq",
	"ifne", "iflt", "ifge", "ifgt", "ifle", "if_icmpeq", "if_icmpne",
	"if_icmplt", "if_icmpge", "if_icmpgt", "if_icmple", "if_acmpeq",
	"if_acmpne", "goto", "jsr", "ret", "tableswitch", "lookupswitch",
	"ireturn", "lreturn", "freturn", "dreturn", "areturn", "return",
	"getstatic", "putstatic", "getfield", "putfield", "invokevirtual",
	"invokespecial", "invokestatic", "invokeinterface", "invokedynamic",
	"new", "newarray", "anewarray", "arraylength", "athrow", "checkcast",
	"instanceof", "monitorenter", "monitorexit", "wide", "multianewarray",
	"ifnull", "ifnonnull", "goto_w", "jsr_w",
}

// Disassemble renders an instruction stream as one line per instruction,
// resolving call targets and string constants through the pool.
func Disassemble(code []byte, pool *ConstPool) ([]string, error) {
	var lines []string
	err := forEachInstruction(code, func(off int, op byte, length int) error {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%4d: %s", off, mnemonics[op])
		switch op {
		case opInvokevirtual, opInvokespecial, opInvokestatic, opInvokeinterface:
			idx := uint16(code[off+1])<<8 | uint16(code[off+2])
			if owner, name, desc, ok := pool.MethodRef(idx); ok {
				fmt.Fprintf(&sb, " %s.%s%s", owner, name, desc)
			} else {
				fmt.Fprintf(&sb, " #%d", idx)
			}
		case opLdcW:
			idx := uint16(code[off+1])<<8 | uint16(code[off+2])
			if s, ok := pool.Utf8(stringLiteralIndex(pool, idx)); ok {
				fmt.Fprintf(&sb, " %q", s)
			} else {
				fmt.Fprintf(&sb, " #%d", idx)
			}
		case opNew, opInstanceof, 192: // checkcast
			idx := uint16(code[off+1])<<8 | uint16(code[off+2])
			if name, ok := pool.ClassName(idx); ok {
				sb.WriteByte(' ')
				sb.WriteString(name)
			} else {
				fmt.Fprintf(&sb, " #%d", idx)
			}
		default:
			for _, b := range code[off+1 : off+length] {
				fmt.Fprintf(&sb, " %d", b)
			}
		}
		lines = append(lines, sb.String())
		return nil
	})
	return lines, err
}

// stringLiteralIndex resolves a CONSTANT_String entry to its utf8 index,
// returning 0 (always invalid) for anything else.
func stringLiteralIndex(pool *ConstPool, index uint16) uint16 {
	if !pool.valid(index) || pool.entries[index].tag != tagString {
		return 0
	}
	return uint16(pool.entries[index].data[0])<<8 | uint16(pool.entries[index].data[1])
}

// DiffDisassembly returns a unified diff of a method body before and after
// rewriting, for verbose diagnostics.
func DiffDisassembly(name string, before, after []string) (string, error) {
	terminate := func(lines []string) []string {
		out := make([]string, len(lines))
		for i, line := range lines {
			out[i] = line + "\n"
		}
		return out
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        terminate(before),
		B:        terminate(after),
		FromFile: name + " (original)",
		ToFile:   name + " (rewritten)",
		Context:  3,
	})
}
