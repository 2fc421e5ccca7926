// Package epi lets a Go process participate as a peer in an Erlang
// cluster. A Node owns a set of mailboxes and a pool of per-peer
// connections; mailboxes exchange terms with local and remote
// processes, addressed by pid or registered name, using the external
// term format over the distribution protocol.
//
//	node, err := epi.Create("gonode@localhost", "secret")
//	mailbox := node.CreateMailbox()
//	mailbox.SendReg("erl@localhost", "reply_server",
//		etf.Tuple{mailbox.Self(), etf.Atom("hello")})
//	reply, err := mailbox.Receive()
package epi

// Version of the library.
const Version = "1.0.0"
