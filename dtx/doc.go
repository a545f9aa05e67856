// Package dtx implements the multiplexed request/response protocol the
// iOS instruments server speaks: frame assembly and fragment reassembly, the
// auxiliary argument list, LZ4/bv4 compressed payloads, the capability
// handshake, and per-channel reply correlation. Payload object graphs are
// encoded by the sibling nskeyedarchiver package.
package dtx
