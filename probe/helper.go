package probe

// verifyHelperStub is the Thumb routine staged into target RAM by hash
// verify. It reads {addr, len} from the mailbox, folds the range
// through an FNV-1a digest over the internal bus, stores the digest
// back and breakpoints.
var verifyHelperStub = [...]byte{
	0x0f, 0x4b, 0x1a, 0x68, // ldr r3, =mailbox; ldr r2, [r3]
	0x0f, 0x49, 0x0a, 0x42, // ldr r1, =magic;   tst r2, r1
	0x18, 0xd0, // beq done
	0x59, 0x68, 0x9a, 0x68, // ldr r1, [r3, #4]; ldr r2, [r3, #8]
	0x0d, 0x48, // ldr r0, =0x811c9dc5 (offset basis)
	0x00, 0x2a, 0x08, 0xd0, // cmp r2, #0; beq store
	0x0c, 0x78, // loop: ldrb r4, [r1]
	0x60, 0x40, // eors r0, r4
	0x0c, 0x4c, 0x60, 0x43, // ldr r4, =0x01000193; muls r0, r4
	0x01, 0x31, // adds r1, #1
	0x01, 0x3a, // subs r2, #1
	0xf8, 0xd1, // bne loop
	0xd8, 0x60, // store: str r0, [r3, #12]
	0x00, 0x22, 0x1a, 0x60, // movs r2, #0; str r2, [r3]
	0x00, 0xbe, // done: bkpt #0
	0x00, 0x00, // pad
	0x00, 0xe0, 0x03, 0x20, // literal: mailbox
	0x59, 0x46, 0x52, 0x56, // literal: "VRFY"
	0xc5, 0x9d, 0x1c, 0x81, // literal: offset basis
	0x93, 0x01, 0x00, 0x01, // literal: prime
}
