// Package netio provides the UDP/TCP socket plumbing that backs a
// trdp.Session's PacketSender: PD cyclic datagrams over UDP (unicast or
// multicast), MD dialog datagrams over UDP, and MD dialog streams over
// TCP with connection reuse.
package netio
