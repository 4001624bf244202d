package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/i474232898/weather-station-fusion/internal/weather"
	"github.com/i474232898/weather-station-fusion/internal/weather/decode"
)

// newDecodeCmd decodes captured payloads, one JSON document per line, and
// prints the samples they produce.
func newDecodeCmd() *cobra.Command {
	var transportName string
	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Decode captured WeatherFlow payloads (stdin when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := weather.Transport(transportName)
			switch t {
			case weather.TransportUDP, weather.TransportWebSocket, weather.TransportREST:
			default:
				return fmt.Errorf("unknown transport %q (allowed: udp, websocket, rest)", transportName)
			}

			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return decodeLines(t, in, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&transportName, "transport", "t", string(weather.TransportUDP), "transport the payloads came from")
	return cmd
}

func decodeLines(t weather.Transport, in io.Reader, out, errOut io.Writer) error {
	enc := json.NewEncoder(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	line, bad := 0, 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		msg, err := decode.Decode(t, raw)
		if err != nil {
			bad++
			fmt.Fprintf(errOut, "line %d: %v\n", line, err)
			continue
		}
		if err := enc.Encode(msg); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d payloads malformed", bad, line)
	}
	return nil
}
