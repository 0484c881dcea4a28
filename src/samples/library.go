// Package samples holds a small library catalogue modelled for the engine:
// books reference their publisher and author.
package samples

import (
	"go.mongodb.org/mongo-driver/bson"

	"mongodm/src/helpers"
	"mongodm/src/models"
)

var (
	PublisherModel = models.MustModel("publishers", "id")
	AuthorModel    = models.MustModel("authors", "id")
	BookModel      = models.MustModel("books", "id",
		models.Reference{Field: "publisher", KeyName: "publisher_id", Model: PublisherModel},
		models.Reference{Field: "author", KeyName: "author_id", Model: AuthorModel},
	)
)

type Publisher struct {
	ID      string `bson:"_id"`
	Name    string `bson:"name"`
	Country string `bson:"country"`
}

// NewPublisher creates a publisher with a fresh id.
func NewPublisher(name, country string) *Publisher {
	return &Publisher{ID: helpers.GenerateUUID(), Name: name, Country: country}
}

func (p *Publisher) Model() *models.Model         { return PublisherModel }
func (p *Publisher) PrimaryKeyValue() interface{} { return p.ID }
func (p *Publisher) Referenced(string) models.Instance {
	return nil
}

func (p *Publisher) ToDocument() (models.Document, error) {
	return models.NewDocument(p.ID,
		bson.E{Key: "name", Value: p.Name},
		bson.E{Key: "country", Value: p.Country},
	), nil
}

func (p *Publisher) ParseDocument(raw bson.Raw) error {
	return bson.Unmarshal(raw, p)
}

type Author struct {
	ID        string `bson:"_id"`
	Name      string `bson:"name"`
	BirthYear int32  `bson:"birth_year"`
}

// NewAuthor creates an author with a fresh id.
func NewAuthor(name string, birthYear int32) *Author {
	return &Author{ID: helpers.GenerateUUID(), Name: name, BirthYear: birthYear}
}

func (a *Author) Model() *models.Model         { return AuthorModel }
func (a *Author) PrimaryKeyValue() interface{} { return a.ID }
func (a *Author) Referenced(string) models.Instance {
	return nil
}

func (a *Author) ToDocument() (models.Document, error) {
	return models.NewDocument(a.ID,
		bson.E{Key: "name", Value: a.Name},
		bson.E{Key: "birth_year", Value: a.BirthYear},
	), nil
}

func (a *Author) ParseDocument(raw bson.Raw) error {
	return bson.Unmarshal(raw, a)
}

// Book references a publisher and an author. Only their ids are stored with
// the book.
type Book struct {
	ID        string
	Title     string
	Pages     int32
	Publisher *Publisher
	Author    *Author
}

// NewBook creates a book with a fresh id.
func NewBook(title string, pages int32, publisher *Publisher, author *Author) *Book {
	return &Book{
		ID:        helpers.GenerateUUID(),
		Title:     title,
		Pages:     pages,
		Publisher: publisher,
		Author:    author,
	}
}

type bookDocument struct {
	ID          string `bson:"_id"`
	Title       string `bson:"title"`
	Pages       int32  `bson:"pages"`
	PublisherID string `bson:"publisher_id"`
	AuthorID    string `bson:"author_id"`
}

func (b *Book) Model() *models.Model         { return BookModel }
func (b *Book) PrimaryKeyValue() interface{} { return b.ID }

func (b *Book) Referenced(field string) models.Instance {
	switch field {
	case "publisher":
		if b.Publisher != nil {
			return b.Publisher
		}
	case "author":
		if b.Author != nil {
			return b.Author
		}
	}
	return nil
}

func (b *Book) ToDocument() (models.Document, error) {
	doc := bookDocument{ID: b.ID, Title: b.Title, Pages: b.Pages}
	if b.Publisher != nil {
		doc.PublisherID = b.Publisher.ID
	}
	if b.Author != nil {
		doc.AuthorID = b.Author.ID
	}
	return models.NewDocument(doc.ID,
		bson.E{Key: "title", Value: doc.Title},
		bson.E{Key: "pages", Value: doc.Pages},
		bson.E{Key: foreignKey("publisher"), Value: doc.PublisherID},
		bson.E{Key: foreignKey("author"), Value: doc.AuthorID},
	), nil
}

// foreignKey returns the key name BookModel declares for a reference field.
func foreignKey(field string) string {
	ref, ok := BookModel.Reference(field)
	if !ok {
		panic("samples: book has no reference " + field)
	}
	return ref.KeyName
}

// ParseDocument loads the book and, when present, the joined publisher and
// author documents.
func (b *Book) ParseDocument(raw bson.Raw) error {
	var doc bookDocument
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return err
	}
	b.ID, b.Title, b.Pages = doc.ID, doc.Title, doc.Pages

	publisher := &Publisher{}
	if ok, err := models.ParseReference(raw, "publisher", publisher); err != nil {
		return err
	} else if ok {
		b.Publisher = publisher
	} else if doc.PublisherID != "" {
		b.Publisher = &Publisher{ID: doc.PublisherID}
	}

	author := &Author{}
	if ok, err := models.ParseReference(raw, "author", author); err != nil {
		return err
	} else if ok {
		b.Author = author
	} else if doc.AuthorID != "" {
		b.Author = &Author{ID: doc.AuthorID}
	}
	return nil
}
