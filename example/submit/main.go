// Command submit sends test mail through the SMTP ingress as a provisioned
// user. Every address must already exist in the directory.
package main

import (
	"flag"
	"fmt"
	"net/smtp"
	"os"
	"strings"
	"time"
)

func main() {
	addr := flag.String("smtp", getenvDefault("INTRAMAIL_SMTP", "127.0.0.1:2025"), "SMTP ingress address")
	from := flag.String("from", "admin@intramail.local", "sender address")
	to := flag.String("to", "", "comma separated recipient addresses")
	cc := flag.String("cc", "", "comma separated cc addresses")
	count := flag.Int("n", 1, "number of messages")
	priority := flag.String("priority", "", "high or low")
	flag.Parse()

	recipients := splitList(*to)
	copies := splitList(*cc)
	if len(recipients)+len(copies) == 0 {
		fmt.Fprintln(os.Stderr, "at least one of -to or -cc is required")
		os.Exit(2)
	}

	host := strings.Split(*addr, ":")[0]
	auth := smtp.PlainAuth("", *from, getenvDefault("SMTP_PASSWORD", "intramail"), host)

	for i := 1; i <= *count; i++ {
		var b strings.Builder
		fmt.Fprintf(&b, "From: %s\r\n", *from)
		if len(recipients) > 0 {
			fmt.Fprintf(&b, "To: %s\r\n", strings.Join(recipients, ", "))
		}
		if len(copies) > 0 {
			fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(copies, ", "))
		}
		fmt.Fprintf(&b, "Subject: Intramail test #%d\r\n", i)
		fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
		if *priority != "" {
			fmt.Fprintf(&b, "Importance: %s\r\n", *priority)
		}
		fmt.Fprintf(&b, "\r\nTest message %d sent at %s.\r\n", i, time.Now().Format(time.Kitchen))

		envelope := append(append([]string{}, recipients...), copies...)
		if err := smtp.SendMail(*addr, auth, *from, envelope, []byte(b.String())); err != nil {
			fmt.Fprintln(os.Stderr, "send:", err)
			os.Exit(1)
		}
	}
	fmt.Printf("sent %d messages\n", *count)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getenvDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
