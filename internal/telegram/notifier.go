package telegram

import (
	"context"
	"fmt"
	"html"
	"log"
	"strings"

	"github.com/go-telegram/bot"
	botmodels "github.com/go-telegram/bot/models"

	"github.com/vladmelevich/uzmat/internal/models"
)

// INotifier publishes marketplace events to the public Telegram channel.
// A disabled notifier swallows everything, so callers never branch on
// whether Telegram is configured.
type INotifier interface {
	AnnounceListing(ctx context.Context, listing *models.Listing) error
}

type notifier struct {
	bot       *bot.Bot
	channelID string
	siteURL   string
}

type noopNotifier struct{}

func (noopNotifier) AnnounceListing(context.Context, *models.Listing) error { return nil }

// NewNotifier builds a channel notifier. With enabled false or an empty
// token it returns a no-op implementation.
func NewNotifier(enabled bool, token, channelID, siteURL string) (INotifier, error) {
	if !enabled || token == "" || channelID == "" {
		log.Println("Telegram notifications disabled")
		return noopNotifier{}, nil
	}
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram bot: %w", err)
	}
	return &notifier{bot: b, channelID: channelID, siteURL: siteURL}, nil
}

// AnnounceListing posts a new listing to the channel. Listings with a
// primary image go out as a photo with caption; if the photo send fails
// (bad URL, oversized file) it degrades to a plain text message.
func (n *notifier) AnnounceListing(ctx context.Context, listing *models.Listing) error {
	text := formatListingMessage(listing, n.siteURL)

	if photoURL := primaryImageURL(listing); photoURL != "" {
		_, err := n.bot.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID:    n.channelID,
			Photo:     &botmodels.InputFileString{Data: photoURL},
			Caption:   text,
			ParseMode: botmodels.ParseModeHTML,
		})
		if err == nil {
			return nil
		}
		log.Printf("telegram: photo send failed for listing %s, falling back to text: %v", listing.ID, err)
	}

	_, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    n.channelID,
		Text:      text,
		ParseMode: botmodels.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

func primaryImageURL(listing *models.Listing) string {
	for _, img := range listing.Images {
		if img.Primary {
			return img.URL
		}
	}
	if len(listing.Images) > 0 {
		return listing.Images[0].URL
	}
	return ""
}

var kindHeadings = map[models.ListingKind]string{
	models.KindRental:  "🔄 Аренда",
	models.KindSale:    "💰 Продажа",
	models.KindService: "🔧 Услуги",
	models.KindPart:    "⚙️ Запчасти",
}

var countryFlags = map[string]string{
	"kz": "🇰🇿",
	"uz": "🇺🇿",
	"ru": "🇷🇺",
	"by": "🇧🇾",
}

func formatListingMessage(listing *models.Listing, siteURL string) string {
	heading, ok := kindHeadings[listing.Kind]
	if !ok {
		heading = "📋"
	}

	lines := []string{
		fmt.Sprintf("%s <b>%s</b>", heading, html.EscapeString(listing.Title)),
		"",
	}

	if listing.Price != nil && listing.Price.Amount > 0 {
		lines = append(lines, fmt.Sprintf("💵 <b>Цена:</b> %.0f %s", listing.Price.Amount, listing.Price.CurrencyCode))
	}

	if eq := listing.Equipment; eq != nil {
		if eq.EquipmentType != "" {
			lines = append(lines, fmt.Sprintf("🚜 <b>Тип:</b> %s", eq.EquipmentType))
		}
		if eq.Brand != "" {
			brand := eq.Brand
			if eq.Model != "" {
				brand += " " + eq.Model
			}
			lines = append(lines, fmt.Sprintf("🏷️ <b>Марка:</b> %s", brand))
		}
		if eq.Year > 0 {
			lines = append(lines, fmt.Sprintf("📅 <b>Год:</b> %d", eq.Year))
		}
	}
	if p := listing.Part; p != nil && p.PartName != "" {
		lines = append(lines, fmt.Sprintf("⚙️ <b>Запчасть:</b> %s", p.PartName))
	}
	if s := listing.Service; s != nil && s.ServiceName != "" {
		lines = append(lines, fmt.Sprintf("🔧 <b>Услуга:</b> %s", s.ServiceName))
	}

	location := fmt.Sprintf("📍 <b>%s</b>", listing.City)
	if flag, ok := countryFlags[listing.Country]; ok {
		location = flag + " " + location
	}
	lines = append(lines, location)

	if desc := strings.TrimSpace(listing.Description); desc != "" {
		if len([]rune(desc)) > 300 {
			desc = string([]rune(desc)[:297]) + "..."
		}
		lines = append(lines, "", html.EscapeString(desc))
	}

	lines = append(lines, "", fmt.Sprintf("🔗 <a href='%s/ads/%s'>Смотреть объявление</a>", siteURL, listing.Slug))

	return strings.Join(lines, "\n")
}
