// Command ra-genframe writes sample wire frames, one file per body format,
// for fixtures and interop checks.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/resolvingarchitecture/ra-common/pkg/crypto/sign"
	"github.com/resolvingarchitecture/ra-common/pkg/entropy"
	"github.com/resolvingarchitecture/ra-common/pkg/handshake"
	"github.com/resolvingarchitecture/ra-common/pkg/identity"
	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
	"github.com/resolvingarchitecture/ra-common/pkg/protocol/stream"
)

var formats = []protocol.Format{protocol.FormatCBOR, protocol.FormatJSON, protocol.FormatProto, protocol.FormatMsgPack}

func main() {
	outDir := flag.String("out", "testdata/frame", "output directory for binary frames")
	seed := flag.Uint64("seed", 1, "entropy seed for envelope ids")
	flag.Parse()
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal(err)
	}

	id, err := identity.Generate()
	if err != nil {
		log.Fatal(err)
	}
	src := entropy.NewSeeded(*seed)
	bob := protocol.Addr{Network: protocol.NetworkIP, Address: "bob"}
	env, err := protocol.NewEnvelope(
		protocol.WithSource(src),
		protocol.WithRoutes(
			protocol.NewRoute("inbox", "store"),
			protocol.NewRoute("echo", "ping").To(bob)),
		protocol.WithHeader("Content-Kind", "sample"),
		protocol.WithFields(map[string]string{"ok": "true", "n": "42"}),
		protocol.WithDelay(10*time.Millisecond, 250*time.Millisecond))
	if err != nil {
		log.Fatal(err)
	}

	syn, err := handshake.Syn(id, protocol.NetworkIP, "alice", time.Now())
	if err != nil {
		log.Fatal(err)
	}
	data := protocol.NewDataPacket(protocol.NetworkIP, "alice", "bob", env)
	data.Sig = sign.SignEd25519(id.Priv, sign.EnvelopeTranscript(env.ID, protocol.NetworkIP.String(), "alice", "bob"))
	fin := protocol.NewControlPacket(protocol.PacketFin, protocol.NetworkIP, "alice", nil)

	for _, f := range formats {
		fr, err := protocol.NewFramer(protocol.WithFormat(f), protocol.WithCompressAbove(64))
		if err != nil {
			log.Fatal(err)
		}
		for _, p := range []*protocol.Packet{syn, data, fin} {
			b, err := fr.Encode(p)
			if err != nil {
				log.Fatal(err)
			}
			writeOut(*outDir, fmt.Sprintf("frame_%s_%s.bin", shortName(f), p.Type), b)
		}
		writeSession(*outDir, fr, f, syn, data, fin)
		_ = fr.Close()
	}
	fmt.Println("Generated frames in", *outDir)
}

// writeSession writes the packets back to back, the way a link carries them.
func writeSession(dir string, fr *protocol.Framer, f protocol.Format, ps ...*protocol.Packet) {
	name := fmt.Sprintf("session_%s.bin", shortName(f))
	fh, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		log.Fatal(err)
	}
	defer fh.Close()
	c := stream.New(fh, fr)
	for _, p := range ps {
		if err := c.Send(p); err != nil {
			log.Fatal(err)
		}
	}
	fmt.Printf("%-28s %d packets\n", name, len(ps))
}

func shortName(f protocol.Format) string {
	s := f.String()
	if i := strings.LastIndexAny(s, "/+-"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

func writeOut(dir, name string, b []byte) {
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, b, 0o644); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%-28s %5d bytes  head: %s\n", name, len(b), shortHex(b, 32))
}

func shortHex(b []byte, n int) string {
	if len(b) == 0 {
		return ""
	}
	if n > len(b) {
		n = len(b)
	}
	enc := hex.EncodeToString(b[:n])
	if len(b) > n {
		enc += "..."
	}
	var out []string
	for i := 0; i < len(enc); i += 4 {
		j := min(i+4, len(enc))
		out = append(out, enc[i:j])
	}
	return strings.Join(out, " ")
}
